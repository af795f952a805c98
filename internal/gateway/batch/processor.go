// Package batch processes newline-delimited message lines, one dispatch
// per line, with per-line accounting. It serves the receive endpoint and
// the console batch commands.
package batch

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/schemabus/schemabus/internal/gateway/bus"
	"github.com/schemabus/schemabus/internal/gateway/codes"
	"github.com/schemabus/schemabus/internal/gateway/logging"
	"github.com/schemabus/schemabus/internal/gateway/schema"
)

// maxLineSize bounds a single serialized message line.
const maxLineSize = 10 * 1024 * 1024

// Classifier turns a dispatch error into envelope fields. The dispatch
// layer plugs its full taxonomy in here; the default covers the basics.
type Classifier func(err error) (code codes.Code, name string, message string)

// DefaultClassifier maps an error by its carried code and type name.
func DefaultClassifier(err error) (codes.Code, string, string) {
	code := bus.ResultCode(err)
	if schema.IsViolation(err) {
		code = codes.InvalidArgument
	}
	return code, bus.ErrorName(err), err.Error()
}

// LineResult is the outcome of one line.
type LineResult struct {
	OK           bool       `json:"ok"`
	Code         codes.Code `json:"code"`
	ErrorName    string     `json:"error_name,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	MessageRef   string     `json:"message_ref,omitempty"`
}

// Lines aggregates the per-line outcomes.
type Lines struct {
	Total   int `json:"total"`
	OK      int `json:"ok"`
	Failed  int `json:"failed"`
	Ignored int `json:"ignored"`
}

// Result is the full accounting for one batch.
type Result struct {
	Lines   Lines        `json:"lines"`
	Results []LineResult `json:"results"`
}

// Options tunes a Processor.
type Options struct {
	// SkipInvalid keeps going past lines that fail to parse or resolve.
	// Off by default: the first invalid line stops the batch.
	SkipInvalid bool
	// SkipErrors keeps going past lines whose dispatch fails. Off by
	// default: the first dispatch failure stops the batch.
	SkipErrors bool
	// DryRun parses and resolves every line but dispatches nothing.
	DryRun bool
	// CountIgnored accounts blank lines as total/ignored, the receive
	// endpoint protocol. Off by default: file batches skip blank lines
	// silently.
	CountIgnored bool
	// BatchSize and BatchDelay throttle large batches: after every
	// BatchSize processed lines the processor pauses for BatchDelay.
	BatchSize  int
	BatchDelay time.Duration
	// Classify overrides DefaultClassifier.
	Classify Classifier
	// Logger defaults to a no-op logger.
	Logger logging.ServiceLogger
}

// Processor dispatches newline-delimited message lines onto the buses.
// A line may be a transport envelope or a bare message object; either
// way it must carry its own _schema field. One bad line never corrupts
// the accounting of the others.
type Processor struct {
	registry *schema.Registry
	commands bus.CommandBus
	events   bus.EventBus

	opts Options
}

// New constructs a Processor over the registry and buses. Only commands
// and events are dispatchable from a line stream.
func New(registry *schema.Registry, commands bus.CommandBus, events bus.EventBus, opts Options) *Processor {
	if opts.Classify == nil {
		opts.Classify = DefaultClassifier
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Processor{
		registry: registry,
		commands: commands,
		events:   events,
		opts:     opts,
	}
}

// Process reads lines until EOF or an aborting failure and returns the
// accounting. The returned error reports reader or context failures
// only; line-level failures land in the result.
func (p *Processor) Process(ctx context.Context, r io.Reader) (*Result, error) {
	result := &Result{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	processed := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if p.opts.CountIgnored {
				result.Lines.Total++
				result.Lines.Ignored++
			}
			continue
		}
		result.Lines.Total++

		lr, invalid := p.processLine(ctx, []byte(line))
		result.Results = append(result.Results, lr)
		if lr.OK {
			result.Lines.OK++
		} else {
			result.Lines.Failed++
			if invalid && !p.opts.SkipInvalid {
				break
			}
			if !invalid && !p.opts.SkipErrors {
				break
			}
		}

		processed++
		if p.opts.BatchSize > 0 && p.opts.BatchDelay > 0 && processed%p.opts.BatchSize == 0 {
			if err := sleep(ctx, p.opts.BatchDelay); err != nil {
				return result, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// processLine handles one non-blank line. The second return reports
// whether the failure was an invalid line rather than a dispatch error.
func (p *Processor) processLine(ctx context.Context, line []byte) (LineResult, bool) {
	msg, _, err := bus.DecodeLine(line)
	if err != nil {
		code, name, text := p.opts.Classify(err)
		return LineResult{Code: code, ErrorName: name, ErrorMessage: text}, true
	}

	spec, err := p.registry.ResolveID(msg.ID(), schema.Curie{})
	if err != nil {
		code, name, text := p.opts.Classify(err)
		return LineResult{Code: code, ErrorName: name, ErrorMessage: text, MessageRef: msg.Ref()}, true
	}

	if p.opts.DryRun {
		return LineResult{OK: true, Code: codes.OK, MessageRef: msg.Ref()}, false
	}

	switch spec.Kind {
	case schema.KindCommand:
		err = p.commands.Send(ctx, msg)
	case schema.KindEvent:
		err = p.events.Publish(ctx, msg)
	default:
		// Requests and responses have no consumer in a replay stream.
		err = &schema.InvalidError{Reason: "cannot dispatch a " + spec.Kind.String() + " message"}
		p.opts.Logger.Error("line rejected", err, logging.LogFields{
			"message_ref": msg.Ref(),
		})
		code, name, text := p.opts.Classify(err)
		return LineResult{Code: code, ErrorName: name, ErrorMessage: text, MessageRef: msg.Ref()}, true
	}
	if err != nil {
		p.opts.Logger.Error("line dispatch failed", err, logging.LogFields{
			"message_ref": msg.Ref(),
		})
		code, name, text := p.opts.Classify(err)
		return LineResult{Code: code, ErrorName: name, ErrorMessage: text, MessageRef: msg.Ref()}, false
	}
	return LineResult{OK: true, Code: codes.OK, MessageRef: msg.Ref()}, false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

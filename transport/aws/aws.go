// Package aws provides an AWS SNS/SQS transport. Topics fan out through
// SNS with one SQS queue per gateway deployment. SNS and SQS forbid the
// '.' and ':' that appear in topic names, so every AWS resource gets a
// sanitized name under a common schemabus prefix.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/schemabus/schemabus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

// ResourcePrefix namespaces the gateway's SNS topics and SQS queues on
// a shared AWS account.
const ResourcePrefix = "schemabus-"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// ResourceName maps a replication topic to its AWS resource name:
// "acme.blog.events" becomes "schemabus-acme-blog-events".
func ResourceName(topic string) string {
	var b strings.Builder
	b.WriteString(ResourcePrefix)
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// topicResolver canonicalizes topic names before the inner resolver
// turns them into ARNs.
type topicResolver struct {
	inner sns.TopicResolver
}

func (r topicResolver) ResolveTopic(ctx context.Context, topic string) (sns.TopicArn, error) {
	return r.inner.ResolveTopic(ctx, ResourceName(topic))
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	resolver, err := newTopicResolver(cfg, awsCfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := newPublisher(cfg, awsCfg, resolver, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := newSubscriber(cfg, awsCfg, resolver, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  transport.StampMessageID(publisher),
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(key, secret)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": region})
		return nil, err
	}
	if region != "" {
		awsCfg.Region = region
	}

	logger.Info("Loaded AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": hasCustomEndpoint(&awsCfg),
	})
	return &awsCfg, nil
}

func newTopicResolver(cfg transport.Config, awsCfg *aws.Config, logger watermill.LoggerAdapter) (sns.TopicResolver, error) {
	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	inner, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return nil, err
	}
	return topicResolver{inner: inner}, nil
}

func newPublisher(cfg transport.Config, awsCfg *aws.Config, resolver sns.TopicResolver, logger watermill.LoggerAdapter) (message.Publisher, error) {
	publisherConfig := sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     *awsCfg,
		// The default marshaler carries metadata as SNS message
		// attributes, which keeps the curie and message id readable
		// by filters without decoding the line payload.
		Marshaler: sns.DefaultMarshalerUnmarshaler{},
	}

	if endpoint := cfg.GetAWSEndpoint(); endpoint != "" {
		if _, err := url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("parse AWS endpoint: %w", err)
		}
		publisherConfig.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			},
		}
	}

	return PublisherFactory(publisherConfig, logger)
}

func newSubscriber(cfg transport.Config, awsCfg *aws.Config, resolver sns.TopicResolver, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	snsOpts, sqsOpts, err := endpointOverrides(awsCfg)
	if err != nil {
		return nil, err
	}

	return SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            *awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueNameFromTopicArn,
		},
		sqs.SubscriberConfig{
			AWSConfig: *awsCfg,
			OptFns:    sqsOpts,
		},
		logger,
	)
}

// queueNameFromTopicArn names the SQS queue after the SNS topic it
// binds, which the resolver already canonicalized.
func queueNameFromTopicArn(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
	if err != nil {
		return "", err
	}
	return string(topic), nil
}

func endpointOverrides(awsCfg *aws.Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	if !hasCustomEndpoint(awsCfg) {
		return nil, nil, nil
	}

	parsedURL, err := url.Parse(*awsCfg.BaseEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("parse BaseEndpoint: %w", err)
	}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	return snsOpts, sqsOpts, nil
}

// resolveAccountAndRegion picks the account id for ARN generation. With
// a custom endpoint (LocalStack) a missing or malformed account id falls
// back to the LocalStack default instead of failing the build.
func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if cfg.GetAWSEndpoint() != "" && (accountID == "" || len(accountID) != awsAccountIDLength) {
		if accountID != "" {
			logger.Info("Invalid AWS account ID, using LocalStack default", watermill.LogFields{"accountID": accountID})
		}
		accountID = localstackAccountID
	}

	return accountID, region
}

func hasCustomEndpoint(cfg *aws.Config) bool {
	return cfg != nil && cfg.BaseEndpoint != nil && *cfg.BaseEndpoint != ""
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

package records

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/cordum/stash/core/infra/config"
	"github.com/cordum/stash/core/infra/logging"
	"github.com/cordum/stash/core/infra/redisutil"
)

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg *config.Config, remover PayloadRemover) (Store, error) {
	switch cfg.Backend {
	case config.BackendRedis, "":
		client, err := redisutil.Connect(cfg.Redis.URL, redisutil.PoolOptions{PoolSize: cfg.Redis.PoolSize})
		if err != nil {
			return nil, err
		}
		store, err := NewRedisStore(client, RedisOptions{
			KeyPrefix:    cfg.Redis.KeyPrefix,
			Strategy:     cfg.Redis.ConsumeStrategy,
			WatchRetries: cfg.Redis.WatchRetries,
			OpTimeout:    cfg.BackendTimeout,
			Remover:      remover,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		logging.Info(logComponent, "redis backend ready", "strategy", store.strategy, "prefix", store.prefix)
		return store, nil
	case config.BackendDynamoDB:
		client, err := NewDynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		store, err := NewDynamoStore(client, cfg.DynamoDB.Table, DynamoOptions{
			OpTimeout: cfg.BackendTimeout,
			Remover:   remover,
		})
		if err != nil {
			return nil, err
		}
		logging.Info(logComponent, "dynamodb backend ready", "table", cfg.DynamoDB.Table)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// NewDynamoClient loads the default AWS configuration. A custom endpoint (DynamoDB
// Local, LocalStack) is paired with static dummy credentials.
func NewDynamoClient(ctx context.Context, cfg config.DynamoConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

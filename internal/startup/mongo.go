package startup

import (
	"context"
	"os"
	"time"

	"github.com/branchtalk/internal/logger"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// ConnectMongoWithRetry connects to MongoDB with retries.
func ConnectMongoWithRetry(url string, maxWait time.Duration) *mongo.Client {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		client, err := mongo.Connect(options.Client().ApplyURI(url))
		if err == nil {
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = client.Ping(pingCtx, readpref.Primary())
			cancel()
			if err == nil {
				return client
			}
			discCtx, discCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = client.Disconnect(discCtx)
			discCancel()
		}
		if time.Now().After(deadline) {
			logger.Errorf("mongo (gave up after %v): %v", maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("mongo connect failed, retry in %v: %v", backoff, err)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

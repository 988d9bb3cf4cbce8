package bootstrap

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuongbtq/taskpoll/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRabbitMQConfig(t *testing.T) {
	cfg := &config.RabbitMQConfig{
		Host:       "mq",
		Port:       5672,
		User:       "guest",
		Password:   "guest",
		VHost:      "/",
		Exchange:   config.ExchangeConfig{Name: "tasks_exchange", Type: "direct", Durable: true},
		Queue:      config.QueueConfig{Name: "tasks_queue", Durable: true},
		RoutingKey: "task.created",
		Connection: config.ConnectionConfig{RetryAttempts: 5, RetryInterval: time.Second, Heartbeat: 10 * time.Second},
		Publish:    config.PublishConfig{RetryAttempts: 3, RetryInterval: 100 * time.Millisecond, BackoffMultiplier: 2},
	}

	got := RabbitMQConfig(cfg)
	assert.Equal(t, "tasks_exchange", got.ExchangeName)
	assert.Equal(t, "tasks_queue", got.QueueName)
	assert.True(t, got.ExchangeDurable)
	assert.Equal(t, "task.created", got.RoutingKey)
	assert.Equal(t, 3, got.PublishRetries)
	assert.Equal(t, 2.0, got.PublishBackoffMult)
	assert.Equal(t, "amqp://mq:5672/", got.URL())
}

func TestInitLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	l, err := InitLogger(&config.LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)
	defer l.Close()

	l.Info("hello")
	assert.FileExists(t, path)
}

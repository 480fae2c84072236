package http_test

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/curator/internal/config"
	"github.com/fyrsmithlabs/curator/internal/events"
	httpserver "github.com/fyrsmithlabs/curator/internal/http"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/logging"
	"github.com/fyrsmithlabs/curator/internal/validator"
)

// ExampleServer wires a validator behind the HTTP server and shuts it down.
func ExampleServer() {
	logger := zap.NewNop()
	repo := knowledge.NewMemoryRepository()
	bus := events.NewLocalBus(logger)
	defer bus.Close()

	v, err := validator.New(repo, bus, logging.NewNop(), config.ValidationConfig{})
	if err != nil {
		panic(err)
	}

	server, err := httpserver.NewServer(v, logger, &httpserver.Config{Host: "localhost", Port: 0},
		httpserver.WithAgents(v.Runtime()),
		httpserver.WithStore(repo),
	)
	if err != nil {
		panic(err)
	}

	go func() {
		_ = server.Start()
	}()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		fmt.Println("shutdown error:", err)
		return
	}

	fmt.Println("Server started and stopped successfully")
	// Output: Server started and stopped successfully
}

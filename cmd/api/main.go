package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"betmoto/internal/server"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	srv := server.New(log)
	srv.RegisterFiberRoutes()

	port, _ := strconv.Atoi(os.Getenv("PORT"))
	if port == 0 {
		port = 8080
	}

	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Info("shutdown signal received")
		if err := srv.Shutdown(); err != nil {
			log.Errorw("shutdown error", "error", err)
		}
		if err := srv.App.Shutdown(); err != nil {
			log.Errorw("http shutdown error", "error", err)
		}
		close(done)
	}()

	log.Infow("listening", "port", port)
	if err := srv.Listen(fmt.Sprintf(":%d", port)); err != nil {
		log.Fatalw("server error", "error", err)
	}

	<-done
	log.Info("graceful shutdown complete")
}

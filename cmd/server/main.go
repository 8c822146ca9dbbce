package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatapp/relay/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log.Println("Starting chat relay...")

	// Optional .env for local development; real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env file: %v", err)
	}

	cfg := server.NewConfigFromEnv()
	server.SetConfig(cfg)

	chat := server.NewChatServer(*cfg)
	mux := server.SetupRoutes(chat)
	httpServer := server.CreateServer(cfg.HTTPAddr, mux)

	go func() {
		if err := chat.ListenAndServe(); err != nil {
			log.Fatalf("Chat server error: %v", err)
		}
	}()

	go func() {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutdown signal received")
	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := chat.Shutdown(shutdownTimeout); err != nil {
		log.Printf("Chat shutdown: %v", err)
	}
}

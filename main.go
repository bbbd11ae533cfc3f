// unm-ffmpeg-server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/api"
	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/config"
	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/fetch"
	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/ffmpeg"
	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Working directory for fetched inputs and outputs
	tempDir, err := os.MkdirTemp("", "unmffmpeg_")
	if err != nil {
		log.Fatalf("Could not create temp directory: %v", err)
	}
	log.Printf("Using temporary directory: %s", tempDir)
	cfg.TempDir = tempDir

	// 3. Executor, then the task manager that owns its processes
	executor, err := ffmpeg.NewExecutor(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize ffmpeg executor: %v", err)
	}
	taskManager, err := task.NewManager(cfg, executor)
	if err != nil {
		log.Fatalf("Failed to initialize task manager: %v", err)
	}

	// 4. Router and server
	router := api.SetupRouter(taskManager, fetch.NewFromConfig(cfg), ffmpeg.NewResourceChecker(cfg), cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 5. Background services and HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskManager.Start(ctx)

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Running transcoders must not outlive the server.
	if err := shutdownTasks(taskManager, cfg.KillTimeout); err != nil {
		log.Printf("Failed to abort remaining tasks: %v", err)
	}
	if err := os.RemoveAll(tempDir); err != nil {
		log.Printf("Failed to remove %s: %v", tempDir, err)
	}

	log.Println("Server exiting")
}

// defaultKillTimeout applies when KILL_TIMEOUT is zero.
const defaultKillTimeout = 10 * time.Second

// shutdownTasks aborts every task on a deadline of its own, so a slow
// HTTP shutdown cannot leave transcoders running.
func shutdownTasks(tm *task.Manager, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultKillTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return tm.Shutdown(ctx)
}

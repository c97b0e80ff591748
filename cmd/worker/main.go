package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"attendmax/internal/attendance"
	"attendmax/internal/config"
	"attendmax/internal/queue"
	"attendmax/internal/store"
)

// Worker consumes attendance events and writes the per-student notification
// rows the dashboards display.
func main() {
	cfg := config.Load()

	zlog, err := zap.NewDevelopment()
	if cfg.Env == "production" || cfg.Env == "prod" {
		zlog, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	logger := zlog.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendmax:attendance")
	}

	repo := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Fatalf("queue consume init failed: %v", err)
	}

	logger.Infof("worker started, waiting for attendance events...")
	for msg := range messages {
		if msg.Type != "attendance" {
			continue
		}

		id := string(msg.Body)
		rec, err := repo.Get(ctx, id)
		if err != nil {
			logger.Errorf("fetch record %s failed: %v", id, err)
			continue
		}

		n := attendance.Notification{
			StudentID: rec.StudentID,
			Message: fmt.Sprintf("Attendance marked for %s (%s %s, %s) at %s",
				rec.Subject, rec.Department, rec.Year, rec.Semester,
				rec.RecordedAt.Format("2006-01-02 15:04:05")),
		}
		if err := repo.InsertNotification(ctx, n); err != nil {
			logger.Errorf("notification insert for %s failed: %v", id, err)
			continue
		}
		logger.Infof("notified %s for record %s", rec.StudentID, id)
	}

	logger.Infof("worker stopped")
}

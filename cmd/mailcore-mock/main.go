package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/mockapi"
)

func main() {
	addr := os.Getenv("MAILCORE_MOCK_ADDR")
	if addr == "" {
		addr = ":8025"
	}
	account := os.Getenv("MAILCORE_MOCK_ACCOUNT")
	if account == "" {
		account = "demo"
	}
	seed := 200
	if v := os.Getenv("MAILCORE_MOCK_SEED"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			logrus.WithError(err).Fatal("Invalid MAILCORE_MOCK_SEED")
		}
		seed = n
	}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	srv := mockapi.New(logger)
	if seed > 0 {
		srv.Seed(account, seed)
	}

	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		logger.WithFields(logrus.Fields{"addr": addr, "account": account, "messages": seed}).Info("Starting mock mailbox API")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Mock API stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Failed to shut down mock API")
	}
}

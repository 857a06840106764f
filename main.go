package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/wdtagger/config"
	"github.com/krau/wdtagger/engine"
	"github.com/krau/wdtagger/onnx"
	"github.com/krau/wdtagger/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(config.C().LogLevel),
	})))
	slog.Info("Starting WDTagger")

	devices, err := engine.ParseDevices(config.C().Devices)
	if err != nil {
		slog.Error("Invalid devices", slog.String("error", err.Error()))
		return
	}
	rt, err := onnx.Init(onnx.Options{
		LibPath:        onnx.LibPath(),
		Devices:        devices,
		IntraOpThreads: config.C().IntraOpThreads,
	})
	if err != nil {
		slog.Error("Failed to initialize ONNX Runtime environment", slog.String("error", err.Error()))
		return
	}
	defer rt.Close()

	if err := server.Init(ctx, rt); err != nil {
		slog.Error("Failed to initialize server", slog.String("error", err.Error()))
		return
	}
	defer server.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    config.C().Addr(),
		Handler: server.Router(),
	}

	slog.Info("Listening on", slog.String("address", srv.Addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down server", slog.String("error", err.Error()))
	}
}

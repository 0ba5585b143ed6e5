package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"vidanon/internal/detection"
)

var inferAddr string

var inferCmd = &cobra.Command{
	Use:   "infer-serve",
	Short: "Serve local OpenCV models over gRPC for remote detection",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !detection.OpenCVAvailable {
			return fmt.Errorf("infer-serve requires a build with -tags opencv: %w", detection.ErrOpenCVUnavailable)
		}
		if cmd.Flags().Changed("addr") {
			cfg.Inference.Addr = inferAddr
		}

		srv, err := detection.NewInferenceServer(detection.LocalBackends(), cfg.Inference.ModelDir)
		if err != nil {
			return err
		}
		defer srv.Close()

		lis, err := net.Listen("tcp", cfg.Inference.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Inference.Addr, err)
		}

		grpcServer := grpc.NewServer(detection.ServerOptions()...)
		detection.RegisterInferenceServer(grpcServer, srv)

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-signals
			logger.Printf("shutting down inference server")
			grpcServer.GracefulStop()
		}()

		logger.Printf("inference server listening on %s", lis.Addr())
		return grpcServer.Serve(lis)
	},
}

func init() {
	inferCmd.Flags().StringVar(&inferAddr, "addr", ":50051", "gRPC listen address")
	rootCmd.AddCommand(inferCmd)
}

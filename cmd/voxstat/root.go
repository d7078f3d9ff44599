package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/voxgo"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool

	// Device flags
	deviceKind string
	blockSize  uint64

	// Resource flags
	memoryLimit int64
	ioLimit     int64
	workers     int

	// Storage flags
	minioEndpoint  string
	minioAccessKey string
	minioSecretKey string
	minioSecure    bool
	bucket         string
	s3Bucket       string
	prefix         string
)

var rootCmd = &cobra.Command{
	Use:   "voxstat",
	Short: "Inspect MagicaVoxel files as sparse voxel octrees",
	Long: `voxstat imports .vox files (plain, zstd or lz4 compressed) into a
voxel library backed by a simulated GPU and reports model dimensions, octree
sizes, block usage and flush traffic.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	pf.BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	pf.BoolVar(&jsonOut, "json", false, "Output in JSON format")

	pf.StringVar(&deviceKind, "device", "host", "Block memory strategy: discrete, integrated or host")
	pf.Uint64Var(&blockSize, "block-size", 0, "Block size in bytes (0 selects the default)")

	pf.Int64Var(&memoryLimit, "memory-limit", 0, "Cap host block memory in bytes (0 means unlimited)")
	pf.Int64Var(&ioLimit, "io-limit", 0, "Cap asset read bandwidth in bytes per second (0 means unlimited)")
	pf.IntVar(&workers, "workers", 0, "Files imported concurrently (0 selects GOMAXPROCS)")

	pf.StringVar(&minioEndpoint, "minio-endpoint", "", "Read files from this MinIO endpoint")
	pf.StringVar(&minioAccessKey, "minio-access-key", os.Getenv("MINIO_ACCESS_KEY"), "MinIO access key")
	pf.StringVar(&minioSecretKey, "minio-secret-key", os.Getenv("MINIO_SECRET_KEY"), "MinIO secret key")
	pf.BoolVar(&minioSecure, "minio-secure", false, "Use HTTPS for MinIO")
	pf.StringVar(&bucket, "bucket", "", "MinIO bucket")
	pf.StringVar(&s3Bucket, "s3-bucket", "", "Read files from this S3 bucket")
	pf.StringVar(&prefix, "prefix", "", "Key prefix inside the bucket")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

func newLogger() *voxgo.Logger {
	switch {
	case quiet:
		return voxgo.NoopLogger()
	case verbose:
		return voxgo.NewTextLogger(slog.LevelDebug)
	default:
		return voxgo.NewTextLogger(slog.LevelWarn)
	}
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatBytes(n uint64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d bytes", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

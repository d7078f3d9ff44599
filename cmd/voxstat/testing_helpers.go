package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/voxgo/vox"
)

// writeVox encodes scene into dir/name and returns the path.
func writeVox(t *testing.T, dir, name string, scene *vox.Scene) string {
	t.Helper()
	var buf bytes.Buffer
	if err := vox.Encode(&buf, scene); err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// setFlags sets global flags for one test and restores the defaults after.
func setFlags(t *testing.T, device string, json bool) {
	t.Helper()
	deviceKind, jsonOut = device, json
	t.Cleanup(func() {
		deviceKind, jsonOut = "host", false
		verbose, quiet = false, false
		blockSize = 0
		memoryLimit, ioLimit, workers = 0, 0, 0
		minioEndpoint, bucket, s3Bucket, prefix = "", "", "", ""
	})
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.Bytes()
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	return string(<-done), fnErr
}

// assertJSON checks that output is valid JSON
func assertJSON(t *testing.T, output string) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, output)
	}
	return result
}

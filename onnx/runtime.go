package onnx

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const localLibDir = "onnxlibs"

var (
	initOnce sync.Once
	initErr  error
)

// LibPath locates the ONNX Runtime shared library. An explicit override
// wins; otherwise onnxlibs/ next to the working directory is searched,
// then the usual system locations.
func LibPath(override string) string {
	if override != "" {
		return override
	}
	for _, pattern := range candidates() {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && !info.IsDir() {
				return m
			}
		}
	}
	return ""
}

func candidates() []string {
	switch runtime.GOOS {
	case "linux":
		return []string{
			filepath.Join(localLibDir, "libonnxruntime*.so*"),
			"/usr/local/lib/libonnxruntime.so*",
			"/usr/lib/libonnxruntime.so*",
		}
	case "darwin":
		return []string{
			filepath.Join(localLibDir, "libonnxruntime*.dylib"),
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		return []string{filepath.Join(localLibDir, "onnxruntime*.dll")}
	default:
		return nil
	}
}

// Init initializes the ONNX Runtime environment once per process.
func Init(override string) error {
	initOnce.Do(func() {
		path := LibPath(override)
		if path == "" {
			slog.Warn("ONNX Runtime library not found, relying on the loader search path")
		} else {
			slog.Info("Using ONNX Runtime library", slog.String("path", path))
			ort.SetSharedLibraryPath(path)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
		}
	})
	return initErr
}

func Destroy() {
	if !ort.IsInitialized() {
		return
	}
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Error("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
	}
}

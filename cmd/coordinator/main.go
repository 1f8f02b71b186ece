package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/os4-ivmb/backyardhero-pyro/pkg/config"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/logging"
	"github.com/os4-ivmb/backyardhero-pyro/pkg/verbose"
)

var (
	configPath  = flag.String("config", "config.yaml", "Configuration file path")
	pidFilePath = flag.String("pidfile", "", "PID file path (default: /var/run/pyrocoordinator.pid or ./pyrocoordinator.pid)")
	version     = flag.Bool("version", false, "Show version information")
	verboseFlag = flag.Bool("verbose", false, "Enable verbose logging")
)

const (
	Version = "0.1.0-dev"
	Build   = "development"
)

func getDefaultPidFile() string {
	systemPidFile := "/var/run/pyrocoordinator.pid"
	if dir := filepath.Dir(systemPidFile); isWritableDir(dir) {
		return systemPidFile
	}
	return "./pyrocoordinator.pid"
}

func isWritableDir(dir string) bool {
	if stat, err := os.Stat(dir); err == nil && stat.IsDir() {
		testFile := filepath.Join(dir, ".pyrocoordinator_write_test")
		if f, err := os.Create(testFile); err == nil {
			f.Close()
			os.Remove(testFile)
			return true
		}
	}
	return false
}

func createPidFile(pidFile string) error {
	if err := checkExistingPid(pidFile); err != nil {
		return err
	}

	if dir := filepath.Dir(pidFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create PID file directory: %v", err)
		}
	}

	pid := os.Getpid()
	content := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(pidFile, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %v", err)
	}
	return nil
}

func checkExistingPid(pidFile string) error {
	data, err := os.ReadFile(pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %v", err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		os.Remove(pidFile)
		return nil
	}

	if isProcessRunning(pid) {
		return fmt.Errorf("coordinator is already running with PID %d", pid)
	}

	os.Remove(pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

func removePidFile(pidFile string) {
	if pidFile != "" {
		if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: failed to remove PID file %s: %v", pidFile, err)
		}
	}
}

func main() {
	flag.Parse()
	verbose.SetEnabled(*verboseFlag)

	if *version {
		fmt.Printf("pyrocoordinator version %s (%s)\n", Version, Build)
		os.Exit(0)
	}

	var actualPidFile string
	if *pidFilePath != "" {
		actualPidFile = *pidFilePath
	} else {
		actualPidFile = getDefaultPidFile()
	}

	if err := createPidFile(actualPidFile); err != nil {
		log.Fatalf("Failed to create PID file: %v", err)
	}
	defer removePidFile(actualPidFile)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *verboseFlag {
		cfg.Logging.Level = "debug"
		cfg.Logging.Console = true
	}

	logger, err := logging.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Close()

	logger.Info("main", fmt.Sprintf("pyrocoordinator version %s starting", Version))
	logger.Info("main", fmt.Sprintf("pid %d, pid file %s", os.Getpid(), actualPidFile))
	logger.Info("main", fmt.Sprintf("site %s, dongle %s:%d", cfg.Site.Name, cfg.Dongle.Host, cfg.Dongle.Port))

	coordinator, err := NewCoordinator(cfg, logger)
	if err != nil {
		logger.Error("main", fmt.Sprintf("failed to build coordinator: %v", err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := coordinator.Start(); err != nil {
		logger.Error("main", fmt.Sprintf("failed to start coordinator: %v", err))
		os.Exit(1)
	}
	logger.Info("main", "coordinator started successfully")

	<-sigChan
	logger.Info("main", "shutting down")

	if err := coordinator.Stop(); err != nil {
		logger.Error("main", fmt.Sprintf("error during shutdown: %v", err))
	}
	logger.Info("main", "coordinator stopped")
}

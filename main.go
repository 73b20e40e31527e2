package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"gogenaro/client"
	"gogenaro/config"
	"gogenaro/crypto"
	"gogenaro/discovery"
	"gogenaro/logging"
	"gogenaro/models"
	"gogenaro/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.Fatalf("startup failed while loading config: %v", err)
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)

	passphrase, err := readPassphrase()
	if err != nil {
		logger.Fatalf("startup failed while reading passphrase: %v", err)
	}
	key, keyFile, err := crypto.EnsureKeyFile(cfg.KeyFilePath, passphrase)
	if err != nil {
		logger.Fatalf("startup failed while unlocking key file: %v", err)
	}

	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Client ID:       %s\n", cfg.ClientID)
	fmt.Printf("Account:         %s\n", key.Address)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Error("database close error")
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridgeURL := cfg.BridgeURL
	if bridgeURL == "" && cfg.DiscoverBridge {
		bridgeURL, err = discovery.FindBridge(ctx, discovery.Config{Logger: logger})
		if err != nil {
			logger.Fatalf("startup failed while discovering a bridge: %v", err)
		}
	}
	fmt.Printf("Bridge:          %s\n", bridgeURL)

	env, err := client.New(client.Options{
		BridgeURL:              bridgeURL,
		KeyFile:                keyFile,
		Passphrase:             passphrase,
		UserAgent:              cfg.UserAgent,
		Logger:                 logger,
		Journal:                store,
		StagingSuffix:          cfg.StagingSuffix,
		MaxConcurrentTransfers: cfg.MaxConcurrentTransfers,
		HTTPTimeout:            cfg.HTTPTimeout(),
	})
	if err != nil {
		logger.Fatalf("startup failed while creating environment: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := env.Destroy(shutdownCtx); err != nil {
			logger.WithError(err).Error("environment shutdown error")
		}
	}()

	if err := env.GetInfo(printInfo); err != nil {
		logger.WithError(err).Error("bridge info request failed")
	}
	if err := env.GetBuckets(printBuckets); err != nil {
		logger.WithError(err).Error("bucket list request failed")
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func readPassphrase() (string, error) {
	if passphrase := os.Getenv(config.PassphraseEnv); passphrase != "" {
		return passphrase, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s is not set and stdin is not a terminal", config.PassphraseEnv)
	}

	fmt.Fprint(os.Stderr, "Key file passphrase: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func printInfo(err error, info models.BridgeInfo) {
	if err != nil {
		fmt.Printf("Bridge Info:     unavailable (%v)\n", err)
		return
	}
	fmt.Printf("Bridge Info:     %s %s\n", info.Title, info.Version)
}

func printBuckets(err error, buckets []models.Bucket) {
	if err != nil {
		fmt.Printf("Buckets:         unavailable (%v)\n", err)
		return
	}
	fmt.Printf("Buckets:         %d\n", len(buckets))
	for _, bucket := range buckets {
		name := bucket.Name
		if !bucket.Decrypted {
			name = "[encrypted]"
		}
		fmt.Printf("  %s  %s\n", bucket.ID, name)
	}
}

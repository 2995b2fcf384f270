package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/auth-session-api/pkg/authclient"
)

type result struct {
	Err      error
	Duration time.Duration
}

func main() {
	var (
		baseURL   string
		email     string
		password  string
		consumers int
		timeout   time.Duration
	)

	flag.StringVar(&baseURL, "base", "http://localhost:8080/api/v1", "API base URL")
	flag.StringVar(&email, "email", "smoke@example.com", "Account email")
	flag.StringVar(&password, "password", "smoke-password", "Account password")
	flag.IntVar(&consumers, "consumers", 10, "Concurrent authenticated calls fired after the access token is dropped")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "HTTP client timeout")
	flag.Parse()

	logr, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	client, err := authclient.New(baseURL, authclient.WithHTTPClient(&http.Client{Timeout: timeout}), authclient.WithLogger(logr))
	if err != nil {
		log.Fatalf("failed to build client: %v", err)
	}

	ctx := context.Background()
	if err := client.Login(ctx, email, password); err != nil {
		log.Fatalf("login failed: %v", err)
	}

	var refreshes int64
	client.OnTokenRefresh(func(string) { atomic.AddInt64(&refreshes, 1) })
	client.Forget()

	results := make([]result, consumers)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			err := client.Do(ctx, http.MethodGet, "/auth/me", nil, nil)
			results[i] = result{Err: err, Duration: time.Since(start)}
		}(i)
	}
	wg.Wait()

	printReport(results, atomic.LoadInt64(&refreshes))

	if err := client.Logout(ctx); err != nil {
		logr.Warn("logout failed", zap.Error(err))
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 || atomic.LoadInt64(&refreshes) != 1 {
		os.Exit(1)
	}
}

func printReport(results []result, refreshes int64) {
	fmt.Println("Refresh smoke test")
	fmt.Println("------------------")
	for i, r := range results {
		status := "OK"
		if r.Err != nil {
			status = "ERROR: " + r.Err.Error()
		}
		fmt.Printf("consumer %2d  %-8s %s\n", i, r.Duration.Round(time.Millisecond), status)
	}
	fmt.Printf("refresh calls observed: %d (expected 1)\n", refreshes)
}

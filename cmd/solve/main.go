// Command solve is the reference proof-of-work client: it fetches a
// challenge for a site, searches for a satisfying nonce and submits the
// proof, printing the validation token.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"powcaptcha/internal/engine"
	"powcaptcha/internal/handlers"
	"powcaptcha/internal/pow"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "captcha server base URL")
	key := flag.String("key", "", "site key to solve for")
	argon2Time := flag.Int("argon2-time", 1, "argon2 time parameter (argon2id challenges)")
	argon2Memory := flag.Int("argon2-memory", 8192, "argon2 memory parameter (argon2id challenges)")
	flag.Parse()

	if *key == "" {
		log.Fatal("-key is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	challenge, err := fetchChallenge(ctx, *server, *key)
	if err != nil {
		log.Fatalf("Failed to fetch challenge: %v", err)
	}
	log.Printf("Got challenge difficulty=%d algorithm=%s", challenge.DifficultyFactor, challenge.Algorithm)

	powService, err := pow.NewService(pow.Config{
		Salt:          challenge.Salt,
		Algorithm:     challenge.Algorithm,
		Argon2Time:    uint32(*argon2Time),
		Argon2Memory:  uint32(*argon2Memory),
		Argon2Threads: 1,
		Argon2KeyLen:  32,
	})
	if err != nil {
		log.Fatalf("Failed to configure solver: %v", err)
	}

	start := time.Now()
	result, nonce, err := powService.Prove(ctx, challenge.String, challenge.DifficultyFactor)
	if err != nil {
		log.Fatalf("Solve aborted: %v", err)
	}
	elapsed := time.Since(start)
	log.Printf("Found nonce=%d (elapsed %s)", nonce, elapsed.Round(time.Millisecond))

	token, err := submitProof(ctx, *server, *key, challenge.String, result, nonce, elapsed)
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}

	fmt.Println(token)
}

func fetchChallenge(ctx context.Context, server, key string) (*engine.Challenge, error) {
	body, err := postJSON(ctx, server+"/api/v1/pow/config", handlers.ConfigRequest{Key: key})
	if err != nil {
		return nil, err
	}

	var challenge engine.Challenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, err
	}
	return &challenge, nil
}

func submitProof(ctx context.Context, server, key, challenge, result string, nonce uint64, elapsed time.Duration) (string, error) {
	took := uint32(elapsed.Milliseconds())
	workerType := "cli"

	body, err := postJSON(ctx, server+"/api/v1/pow/verify", handlers.VerifyRequest{
		Key:        key,
		String:     challenge,
		Result:     result,
		Nonce:      nonce,
		Time:       &took,
		WorkerType: &workerType,
	})
	if err != nil {
		return "", err
	}

	var resp handlers.VerifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func postJSON(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, buf.String())
	}
	return buf.Bytes(), nil
}

// Command exchangectl is a small client for exercising the coordinator's
// HTTP API: creating users, submitting jobs, checking on them, and firing
// concurrent submission bursts for load testing.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "coordinator dashboard address")
	action := flag.String("action", "submit", "signup | submit | get | balance")
	username := flag.String("username", "", "username for signup")
	submitterID := flag.String("submitter", "", "submitter user id for submit/balance")
	jobID := flag.String("job", "", "job id for get")
	title := flag.String("title", "exchangectl job", "job title for submit")
	code := flag.String("code", "print('hello from the compute exchange')", "job code for submit")
	count := flag.Int("n", 1, "number of jobs to submit (submit action only)")
	concurrency := flag.Int("c", 10, "max concurrent submissions")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	switch *action {
	case "signup":
		signup(client, *addr, *username)
	case "submit":
		submit(client, *addr, *submitterID, *title, *code, *count, *concurrency)
	case "get":
		if *submitterID == "" {
			fmt.Fprintln(os.Stderr, "-submitter is required for get (it's also the requester_id for ownership checks)")
			os.Exit(1)
		}
		get(client, *addr, "/v1/jobs/"+*jobID+"?requester_id="+*submitterID)
	case "balance":
		get(client, *addr, "/v1/users/"+*submitterID+"/balance")
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(1)
	}
}

func signup(client *http.Client, addr, username string) {
	if username == "" {
		fmt.Fprintln(os.Stderr, "-username is required for signup")
		os.Exit(1)
	}
	body, _ := json.Marshal(map[string]string{"username": username, "role": "submitter"})
	resp, err := client.Post(addr+"/v1/users", "application/json", bytes.NewReader(body))
	mustPrint(resp, err)
}

func submit(client *http.Client, addr, submitterID, title, code string, count, concurrency int) {
	if submitterID == "" {
		fmt.Fprintln(os.Stderr, "-submitter is required for submit")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	var ok, failed int32
	var mu sync.Mutex
	start := time.Now()

	for i := 0; i < count; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()

			body, _ := json.Marshal(map[string]any{
				"submitter_id": submitterID,
				"title":        fmt.Sprintf("%s-%d", title, i),
				"code":         []byte(code),
				"demands":      map[string]any{"cpu_cores": 1, "ram_gb": 1, "timeout_seconds": 60},
			})
			resp, err := client.Post(addr+"/v1/jobs", "application/json", bytes.NewReader(body))
			mu.Lock()
			if err != nil || resp.StatusCode != http.StatusCreated {
				failed++
			} else {
				ok++
			}
			mu.Unlock()
			if resp != nil {
				resp.Body.Close()
			}
		}(i)
	}
	wg.Wait()

	duration := time.Since(start)
	fmt.Printf("submitted %d jobs (%d ok, %d failed) in %v\n", count, ok, failed, duration)
	if count > 1 {
		fmt.Printf("throughput: %.2f jobs/sec\n", float64(count)/duration.Seconds())
	}
}

func get(client *http.Client, addr, path string) {
	resp, err := client.Get(addr + path)
	mustPrint(resp, err)
}

func mustPrint(resp *http.Response, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
}

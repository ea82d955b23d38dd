package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

func main() {
	baseURL := flag.String("base-url", "http://localhost:8081", "API base URL")
	wait := flag.Bool("wait", false, "poll run status until the run finishes")
	pollEvery := flag.Duration("poll", 5*time.Second, "poll interval with -wait")
	flag.Parse()

	adminSecret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	triggerKey := strings.TrimSpace(os.Getenv("TRIGGER_KEY"))
	if adminSecret == "" && triggerKey == "" {
		fmt.Println("Missing ADMIN_SECRET or TRIGGER_KEY environment variable")
		os.Exit(1)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	call := func(method, path string) (int, []byte) {
		req, err := http.NewRequest(method, strings.TrimRight(*baseURL, "/")+path, nil)
		if err != nil {
			fmt.Printf("Error creating request: %v\n", err)
			os.Exit(1)
		}
		if adminSecret != "" {
			req.Header.Set("X-Admin-Secret", adminSecret)
		} else {
			req.Header.Set("X-Trigger-Key", triggerKey)
		}
		resp, err := client.Do(req)
		if err != nil {
			fmt.Printf("Error sending request: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, body
	}

	status, body := call(http.MethodPost, "/api/v1/run")
	fmt.Printf("Response Status: %d %s\n", status, strings.TrimSpace(string(body)))
	switch status {
	case http.StatusAccepted:
	case http.StatusConflict:
		fmt.Printf("A run is already in progress (run %s)\n", gjson.GetBytes(body, "run_id").String())
	default:
		os.Exit(1)
	}
	if !*wait {
		return
	}

	for {
		time.Sleep(*pollEvery)
		_, body := call(http.MethodGet, "/api/v1/run/status")
		phase := gjson.GetBytes(body, "phase").String()
		if lines := gjson.GetBytes(body, "progress").Array(); len(lines) > 0 {
			fmt.Printf("[%s] %s\n", phase, lines[len(lines)-1].String())
		}
		switch phase {
		case "completed":
			fmt.Printf("Stored %d, new %d, errors %d\n",
				gjson.GetBytes(body, "summary.total_found").Int(),
				gjson.GetBytes(body, "summary.new_opportunities").Int(),
				len(gjson.GetBytes(body, "summary.errors").Array()))
			return
		case "failed":
			fmt.Printf("Run failed: %s\n", gjson.GetBytes(body, "error").String())
			os.Exit(1)
		}
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

// healthDoc mirrors the GET /health body.
type healthDoc struct {
	Status string         `json:"status"`
	Tasks  map[string]int `json:"tasks"`
	Jobs   map[string]int `json:"jobs"`
}

func status(args []string) {
	base := "http://127.0.0.1:18788"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--url":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--url requires a value")
				os.Exit(1)
			}
			base = strings.TrimRight(args[i], "/")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway unreachable: %v\n", err)
		os.Exit(2)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "gateway unhealthy: %d %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		os.Exit(2)
	}

	var health healthDoc
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "decode health: %v\n", err)
		os.Exit(2)
	}

	fmt.Print(formatStatus(health))
	os.Exit(0)
}

func formatStatus(health healthDoc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%s\n", health.Status)
	for _, section := range []struct {
		name   string
		counts map[string]int
	}{
		{"tasks", health.Tasks},
		{"jobs", health.Jobs},
	} {
		keys := make([]string, 0, len(section.counts))
		for k := range section.counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s.%s=%d\n", section.name, k, section.counts[k])
		}
	}
	return b.String()
}

// Command merkleflowctl is a CLI client for a running merkleflowd node's
// REST API.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var apiAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "merkleflowctl",
		Short: "MerkleFlow node CLI",
	}

	rootCmd.PersistentFlags().StringVar(&apiAddr, "api-addr", "http://localhost:8080", "merkleflowd API address")

	rootCmd.AddCommand(
		kvCmd(),
		subscribeCmd(),
		statsCmd(),
		shutdownCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func kvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Key-value operations",
	}

	var kind, op, element, writer string
	var amount uint64

	put := &cobra.Command{
		Use:   "put [key] [payload]",
		Short: "Write or merge a value for key",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			key := args[0]
			var payload string
			if len(args) == 2 {
				payload = args[1]
			}
			body := map[string]any{
				"kind":    kind,
				"op":      op,
				"payload": payload,
				"element": element,
				"amount":  amount,
				"writer":  writer,
			}
			resp, err := doRequest(http.MethodPut, "/v1/kv/"+key, body)
			if err != nil {
				log.Fatalf("put: %v", err)
			}
			printJSON(resp)
		},
	}
	put.Flags().StringVar(&kind, "kind", "lww", "value kind: lww, orset, gcounter, pncounter")
	put.Flags().StringVar(&op, "op", "", "operation for orset (add/remove) or pncounter (increment/decrement)")
	put.Flags().StringVar(&element, "element", "", "element for orset add/remove")
	put.Flags().Uint64Var(&amount, "amount", 1, "amount for gcounter/pncounter")
	put.Flags().StringVar(&writer, "writer", "merkleflowctl", "writer id recorded with the mutation")

	get := &cobra.Command{
		Use:   "get [key]",
		Short: "Read the current value for key",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := doRequest(http.MethodGet, "/v1/kv/"+args[0], nil)
			if err != nil {
				log.Fatalf("get: %v", err)
			}
			printJSON(resp)
		},
	}

	del := &cobra.Command{
		Use:   "delete [key]",
		Short: "Tombstone key",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := doRequest(http.MethodDelete, "/v1/kv/"+args[0], nil)
			if err != nil {
				log.Fatalf("delete: %v", err)
			}
			printJSON(resp)
		},
	}

	cmd.AddCommand(put, get, del)
	return cmd
}

func subscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe [prefix]",
		Short: "Stream entries under prefix as they change",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			url := apiAddr + "/v1/subscribe/" + args[0]
			resp, err := http.Get(url)
			if err != nil {
				log.Fatalf("subscribe: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				log.Fatalf("subscribe: unexpected status %s", resp.Status)
			}
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				var entry any
				if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
					continue
				}
				printJSON(entry)
			}
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print node stats: incarnation, health, active peers, MST root",
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := doRequest(http.MethodGet, "/v1/stats", nil)
			if err != nil {
				log.Fatalf("stats: %v", err)
			}
			printJSON(resp)
		},
	}
}

func shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Request an orderly node shutdown",
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := doRequest(http.MethodPost, "/v1/shutdown", nil)
			if err != nil {
				log.Fatalf("shutdown: %v", err)
			}
			printJSON(resp)
		},
	}
}

func doRequest(method, path string, body any) (any, error) {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, apiAddr+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("server returned %s", resp.Status)
	}
	return out, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("marshal response: %v", err)
	}
	fmt.Println(string(data))
}


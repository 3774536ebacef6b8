// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keyctl",
		Short: "Sealer Key Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
		SilenceUsage: true,
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(defaultCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyctl version %s\n", version)
		},
	}
}

// keyResult はサーバーの鍵レスポンス。
type keyResult struct {
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"`
	Key       string `json:"key"`
}

// printKey は鍵レスポンスを出力形式に従って表示する。
func printKey(w io.Writer, body []byte) error {
	if output == "json" {
		fmt.Fprintln(w, string(body))
		return nil
	}
	var result keyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	material, err := base64.StdEncoding.DecodeString(result.Key)
	if err != nil {
		return fmt.Errorf("decoding key: %w", err)
	}
	fmt.Fprintf(w, "version:   %s\nalgorithm: %s\nlength:    %d bytes\nkey:       %s\n",
		result.Version, result.Algorithm, len(material), result.Key)
	return nil
}

// defaultCmd は現在のデフォルト鍵を表示する。
func defaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default",
		Short: "Show the current default key",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest(http.MethodGet, "/v1/keys/default", http.StatusOK)
			if err != nil {
				return err
			}
			return printKey(cmd.OutOrStdout(), body)
		},
	}
}

// getCmd はバージョン指定で鍵を取得する。
func getCmd() *cobra.Command {
	var keyVersion string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get a key by version id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyVersion == "" {
				return fmt.Errorf("--version is required")
			}
			body, err := doRequest(http.MethodGet, "/v1/keys/"+url.PathEscape(keyVersion), http.StatusOK)
			if err != nil {
				return err
			}
			return printKey(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&keyVersion, "version", "", "Key version id (required)")
	cmd.MarkFlagRequired("version")
	return cmd
}

// refreshCmd はデフォルト鍵の即時更新を要求する。
func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the default key from the secret store",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := doRequest(http.MethodPost, "/v1/keys/refresh", http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result struct {
				Version string `json:"version"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default key version: %s\n", result.Version)
			return nil
		},
	}
}

// eventsCmd はデフォルト鍵の採用履歴を表示する。
func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent default key adoptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/keys/events"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			body, err := doRequest(http.MethodGet, path, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var result struct {
				Events []struct {
					Version         string `json:"version"`
					PreviousVersion string `json:"previous_version"`
					Type            string `json:"type"`
					CreatedAt       string `json:"created_at"`
				} `json:"events"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "CREATED_AT\tTYPE\tVERSION\tPREVIOUS")
			for _, e := range result.Events {
				prev := e.PreviousVersion
				if prev == "" {
					prev = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CreatedAt, e.Type, e.Version, prev)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events (server default when omitted)")
	return cmd
}

// doRequest はAPIにリクエストを送り、期待したステータスであればボディを返す。
func doRequest(method, path string, wantStatus int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set KEYCTL_API_URL)")
	}

	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s (%s)", errResp.Message, errResp.Code)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}

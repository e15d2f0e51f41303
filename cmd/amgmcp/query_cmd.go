package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/amgmcp"
	"pkt.systems/amgmcp/internal/backend"
	"pkt.systems/amgmcp/internal/logfields"
	"pkt.systems/pslog"
)

const (
	queryLookbackKey = "query.lookback"
	queryLogQLKey    = "query.logql"
	queryLimitKey    = "query.limit"
	queryTimeoutKey  = "query.timeout"
)

// newQueryCommand is a smoke-test runner: it spawns the amg-mcp stdio
// backend, finds the first Loki datasource and runs one LogQL range query
// over a lookback window, printing key=value progress lines.
func newQueryCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Smoke-test the amg-mcp stdio backend with one Loki query",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			var cfg amgmcp.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			amgmcp.ApplyDefaults(&cfg)
			if len(cfg.BackendCommand) == 0 {
				return fmt.Errorf("grafana endpoint or backend command required")
			}
			return runQuerySmokeTest(cmd, cfg, withConfiguredLevel(baseLogger))
		},
	}

	flags := cmd.Flags()
	flags.Duration("lookback", 15*time.Minute, "query window ending now")
	flags.String("logql", `{app="grocery-api"}`, "LogQL expression to run")
	flags.Int("limit", 20, "maximum log lines to return")
	flags.Duration("timeout", 2*time.Minute, "timeout for the query tool call")

	mustBindQueryFlag(queryLookbackKey, "AMGMCP_QUERY_LOOKBACK", flags.Lookup("lookback"))
	mustBindQueryFlag(queryLogQLKey, "AMGMCP_QUERY_LOGQL", flags.Lookup("logql"))
	mustBindQueryFlag(queryLimitKey, "AMGMCP_QUERY_LIMIT", flags.Lookup("limit"))
	mustBindQueryFlag(queryTimeoutKey, "AMGMCP_QUERY_TIMEOUT", flags.Lookup("timeout"))

	return cmd
}

func mustBindQueryFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic(err)
	}
}

func runQuerySmokeTest(cmd *cobra.Command, cfg amgmcp.Config, logger pslog.Logger) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	lookback := viper.GetDuration(queryLookbackKey)
	logql := viper.GetString(queryLogQLKey)
	limit := viper.GetInt(queryLimitKey)
	timeout := viper.GetDuration(queryTimeoutKey)

	fmt.Fprintf(out, "grafana=%s\n", cfg.GrafanaEndpoint)
	fmt.Fprintf(out, "lookback=%s\n", lookback)
	fmt.Fprintf(out, "logql=%s\n", logql)

	now := time.Now().UnixMilli()
	startMs := now - lookback.Milliseconds()

	mgr := backend.NewManager(backend.Config{
		Command:          cfg.BackendCommand,
		InitTimeout:      cfg.BackendInitTimeout,
		ToolsListTimeout: cfg.BackendToolsTimeout,
		ToolTimeout:      cfg.BackendToolTimeout,
		Logger:           logfields.WithSubsystem(logger, "query"),
	})
	defer mgr.Close()

	ds := mgr.Call(ctx, "amgmcp_datasource_list", map[string]any{})
	if backend.IsFailure(ds) {
		return fmt.Errorf("datasource list failed: %s", preview(ds, 800))
	}
	fmt.Fprintln(out, "datasource_list_ok=true")

	name, uid, ok := findLokiDatasource(toolPayload(ds))
	if !ok {
		return fmt.Errorf("no loki datasource found in %s", preview(toolPayload(ds), 800))
	}
	fmt.Fprintf(out, "loki_datasource_name=%s uid=%s\n", name, uid)

	// Every accepted spelling is sent; the backend drops the keys its
	// schema does not declare.
	args := map[string]any{
		"datasourceUid":  uid,
		"datasourceUID":  uid,
		"datasource_uid": uid,
		"datasourceName": name,
		"query":          logql,
		"expr":           logql,
		"limit":          limit,
		"from":           startMs,
		"to":             now,
		"startTime":      startMs,
		"endTime":        now,
	}
	result := mgr.CallTimeout(ctx, "amgmcp_query_datasource", args, timeout)
	if backend.IsFailure(result) {
		return fmt.Errorf("query failed: %s", preview(result, 800))
	}
	fmt.Fprintln(out, "query_ok=true")
	fmt.Fprintf(out, "query_preview=%s\n", preview(toolPayload(result), 800))
	return nil
}

// toolPayload unwraps a tools/call response down to the JSON the tool
// produced: the first text content item when present, the result member
// otherwise.
func toolPayload(resp json.RawMessage) json.RawMessage {
	var parsed struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &parsed); err == nil && len(parsed.Result.Content) > 0 && parsed.Result.Content[0].Text != "" {
		text := parsed.Result.Content[0].Text
		if json.Valid([]byte(text)) {
			return json.RawMessage(text)
		}
		quoted, err := json.Marshal(text)
		if err == nil {
			return quoted
		}
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp, &envelope); err == nil && len(envelope.Result) > 0 {
		return envelope.Result
	}
	return resp
}

// findLokiDatasource scans a datasource list payload, accepting either a
// bare array or an object with a datasources member.
func findLokiDatasource(payload json.RawMessage) (name, uid string, ok bool) {
	var entries []map[string]any
	if err := json.Unmarshal(payload, &entries); err != nil {
		var wrapped struct {
			Datasources []map[string]any `json:"datasources"`
		}
		if err := json.Unmarshal(payload, &wrapped); err != nil {
			return "", "", false
		}
		entries = wrapped.Datasources
	}
	for _, entry := range entries {
		dsType, _ := entry["type"].(string)
		if !strings.EqualFold(dsType, "loki") {
			continue
		}
		name, _ = entry["name"].(string)
		uid, _ = entry["uid"].(string)
		if uid == "" {
			uid = name
		}
		if uid != "" {
			return name, uid, true
		}
	}
	return "", "", false
}

func preview(data json.RawMessage, max int) string {
	s := strings.ReplaceAll(string(data), "\n", " ")
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// Command platformctl is a read-only operator CLI: it queries the
// four service daemons' HTTP APIs and renders signals, tasks, and
// positions as tables, the way the teacher's console notifier reports
// status — just pulled on demand instead of pushed after each cycle.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
)

func main() {
	dmsURL := flag.String("dms", envOr("DMS_BASE_URL", "http://localhost:8010"), "DMS base URL")
	pptURL := flag.String("ppt", envOr("PPT_BASE_URL", "http://localhost:8020"), "PaperBook base URL")
	zuilowURL := flag.String("zuilow", envOr("ZUILOW_BASE_URL", "http://localhost:8030"), "ZuiLow base URL")
	stimeURL := flag.String("stime", envOr("STIME_BASE_URL", "http://localhost:8040"), "Stime base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	c := &client{http: &http.Client{Timeout: 10 * time.Second}}
	var err error
	switch args[0] {
	case "signals":
		err = printSignals(c, *zuilowURL)
	case "tasks":
		err = printTasks(c, *dmsURL)
	case "positions":
		err = printPositions(c, *pptURL)
	case "now":
		err = printNow(c, *stimeURL)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "platformctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: platformctl [flags] <signals|tasks|positions|now>")
	flag.PrintDefaults()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type client struct{ http *http.Client }

func (c *client) getJSON(url string, v any) error {
	resp, err := c.http.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func printSignals(c *client, baseURL string) error {
	var body struct {
		Signals []struct {
			ID        int64
			Account   string
			Market    string
			Kind      string
			Status    string
			CreatedAt time.Time
		}
	}
	if err := c.getJSON(baseURL+"/api/signals", &body); err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Account", "Market", "Kind", "Status", "Created")
	for _, s := range body.Signals {
		table.Append(fmt.Sprintf("%d", s.ID), s.Account, s.Market, s.Kind, s.Status, s.CreatedAt.Format(time.RFC3339))
	}
	table.Render()
	return nil
}

func printTasks(c *client, baseURL string) error {
	var body struct {
		Logs []struct {
			Task      string
			TaskKind  string
			Status    string
			StartTime time.Time
			DataCount int
			Error     string
		}
	}
	if err := c.getJSON(baseURL+"/api/dms/maintenance/log", &body); err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task", "Kind", "Status", "Started", "Rows", "Error")
	for _, l := range body.Logs {
		table.Append(l.Task, l.TaskKind, l.Status, l.StartTime.Format(time.RFC3339), fmt.Sprintf("%d", l.DataCount), l.Error)
	}
	table.Render()
	return nil
}

func printPositions(c *client, baseURL string) error {
	var body struct {
		Positions []struct {
			Symbol   string  `json:"symbol"`
			Qty      float64 `json:"qty"`
			AvgPrice float64 `json:"avg_price"`
		} `json:"positions"`
	}
	if err := c.getJSON(baseURL+"/api/positions", &body); err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Symbol", "Qty", "Avg Price")
	for _, p := range body.Positions {
		table.Append(p.Symbol, fmt.Sprintf("%.4f", p.Qty), fmt.Sprintf("%.4f", p.AvgPrice))
	}
	table.Render()
	return nil
}

func printNow(c *client, baseURL string) error {
	var body struct {
		Now string `json:"now"`
	}
	if err := c.getJSON(baseURL+"/now", &body); err != nil {
		return err
	}
	fmt.Println(body.Now)
	return nil
}

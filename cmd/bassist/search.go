package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bassist/internal/announce"
	"github.com/srg/bassist/pkg/assistant"
	"github.com/srg/bassist/scanner"
)

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search for broadcast audio sources",
	Long: `Search for LE Audio broadcast sources (Auracast transmitters) in the
vicinity and display what their announcements carry: broadcast ID,
broadcast name, Public Broadcast features and signal strength.`,
	RunE: runSearch,
}

var (
	searchDuration time.Duration
	searchFormat   string
	searchVerbose  bool
)

func init() {
	searchCmd.Flags().DurationVarP(&searchDuration, "duration", "d", 10*time.Second, "Search duration (0 for indefinite)")
	searchCmd.Flags().StringVarP(&searchFormat, "format", "f", "table", "Output format (table, json)")
	searchCmd.Flags().BoolVar(&searchVerbose, "verbose", false, "Enable debug logging")
}

// foundSource is one discovered broadcast source, refreshed per
// advertisement.
type foundSource struct {
	Address     string `json:"address"`
	BroadcastID int    `json:"broadcast_id"`
	Name        string `json:"name,omitempty"`
	Encrypted   bool   `json:"encrypted"`
	Standard    bool   `json:"standard_quality"`
	High        bool   `json:"high_quality"`
	RSSI        int    `json:"rssi"`
}

// searchCollector accumulates announcements per broadcast ID.
type searchCollector struct {
	mu      sync.Mutex
	sources map[int]*foundSource
	failed  chan int
}

func newSearchCollector() *searchCollector {
	return &searchCollector{
		sources: make(map[int]*foundSource),
		failed:  make(chan int, 1),
	}
}

func (c *searchCollector) HandleScanResult(r *assistant.ScanResult) {
	id, ok := r.BroadcastID()
	if !ok {
		return
	}

	src := &foundSource{
		Address:     string(r.Addr),
		BroadcastID: int(id),
		RSSI:        r.RSSI,
	}
	if name, ok := announce.BroadcastName(r.Raw); ok {
		src.Name = name
	}
	if pb, ok := announce.PublicBroadcast(r.ServiceData); ok {
		src.Encrypted = pb.Encrypted
		src.Standard = pb.StandardQuality
		src.High = pb.HighQuality
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.sources[int(id)]; ok && src.Name == "" {
		src.Name = prev.Name
	}
	c.sources[int(id)] = src
}

func (c *searchCollector) HandleScanFailed(code int) {
	select {
	case c.failed <- code:
	default:
	}
}

func (c *searchCollector) snapshot() []*foundSource {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*foundSource, 0, len(c.sources))
	for _, src := range c.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BroadcastID < out[j].BroadcastID })
	return out
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchFormat != "table" && searchFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", searchFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	collector := newSearchCollector()
	s := scanner.New(logger, collector)
	if err := s.StartScan(nil); err != nil {
		return err
	}
	defer s.StopScan()

	if searchFormat == "table" {
		if searchDuration > 0 {
			fmt.Printf("Searching for broadcast sources for %s...\n", searchDuration)
		} else {
			fmt.Println("Searching for broadcast sources, Ctrl+C to stop...")
		}
	}

	// Wait for the duration, Ctrl+C, or a scan failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var timeout <-chan time.Time
	if searchDuration > 0 {
		timer := time.NewTimer(searchDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-timeout:
	case <-sigCh:
		fmt.Println("\nCtrl+C pressed, stopping search...")
	case code := <-collector.failed:
		return fmt.Errorf("scan failed with code %d", code)
	}

	if err := s.StopScan(); err != nil {
		logger.WithError(err).Warn("stop scan")
	}

	return displaySources(collector.snapshot())
}

func displaySources(sources []*foundSource) error {
	if searchFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sources)
	}

	if len(sources) == 0 {
		fmt.Println("No broadcast sources found.")
		return nil
	}

	header := color.New(color.Bold)
	lock := color.New(color.FgRed)
	open := color.New(color.FgGreen)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	header.Fprintln(w, "BROADCAST ID\tNAME\tADDRESS\tRSSI\tQUALITY\tENCRYPTION")
	for _, src := range sources {
		name := src.Name
		if name == "" {
			name = "(unknown)"
		}
		enc := open.Sprint("open")
		if src.Encrypted {
			enc = lock.Sprint("encrypted")
		}
		fmt.Fprintf(w, "0x%06X\t%s\t%s\t%d\t%s\t%s\n",
			src.BroadcastID, name, src.Address, src.RSSI, quality(src), enc)
	}
	return w.Flush()
}

func quality(src *foundSource) string {
	switch {
	case src.High && src.Standard:
		return "SQ+HQ"
	case src.High:
		return "HQ"
	case src.Standard:
		return "SQ"
	default:
		return "-"
	}
}

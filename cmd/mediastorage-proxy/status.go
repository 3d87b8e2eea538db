package main

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"mediastorage-proxy/pkg/balancer"
	"mediastorage-proxy/pkg/utils"
)

// Style definitions
var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	warningColor = lipgloss.Color("#FFB86C")
	dangerColor  = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	bgLightColor = lipgloss.Color("#44475A")
	fgColor      = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD")).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	iconStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8BE9FD")).
			Bold(true).
			MarginRight(1)
)

// statLogDoc mirrors the /stat-log response body.
type statLogDoc struct {
	XMLName xml.Name       `xml:"data"`
	Stats   []nodeStatInfo `xml:"stat"`
}

type nodeStatInfo struct {
	Addr          string `xml:"addr,attr" json:"addr"`
	ID            string `xml:"id,attr" json:"id"`
	LA            string `xml:"la" json:"la"`
	MemTotal      uint64 `xml:"memtotal" json:"memtotal"`
	MemFree       uint64 `xml:"memfree" json:"memfree"`
	StorageSizeMB uint64 `xml:"storage_size" json:"storage_size_mb"`
	AvailableMB   uint64 `xml:"available_size" json:"available_size_mb"`
	Files         uint64 `xml:"files" json:"files"`
	FSID          string `xml:"fsid" json:"fsid"`
}

func statusCmd() *cobra.Command {
	var (
		proxyAddr  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check proxy and cluster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			base := "http://" + proxyAddr

			// Liveness first: a refusing or unreachable proxy makes the
			// remaining panels meaningless.
			start := time.Now()
			pingCode, _, pingErr := fetch(client, base+"/ping")
			latency := time.Since(start)

			if pingErr != nil {
				if jsonOutput {
					errorStatus := map[string]interface{}{
						"error":     true,
						"message":   "Connection Failed",
						"details":   pingErr.Error(),
						"proxy":     proxyAddr,
						"timestamp": time.Now().Format(time.RFC3339),
					}
					jsonBytes, _ := json.MarshalIndent(errorStatus, "", "  ")
					fmt.Println(string(jsonBytes))
					return nil
				}

				errorBox := dangerValueStyle.Render("Connection Failed") + "\n" +
					mutedStyle.Render(fmt.Sprintf("Cannot reach %s", proxyAddr))
				fmt.Println(errorBox)
				return pingErr
			}

			var stats statLogDoc
			if _, body, err := fetch(client, base+"/stat-log"); err == nil {
				_ = xml.Unmarshal(body, &stats)
			}

			var topo balancer.Topology
			if _, body, err := fetch(client, base+"/cache?group-weights&symmetric-groups&bad-groups&cache-groups"); err == nil {
				_ = json.Unmarshal(body, &topo)
			}

			if jsonOutput {
				return outputStatusAsJSON(proxyAddr, pingCode, latency, stats, topo)
			}

			fmt.Println(titleStyle.Render("MEDIASTORAGE PROXY STATUS"))
			printGatewayPanel(proxyAddr, pingCode, latency, len(stats.Stats))
			printNodesPanel(stats)
			printTopologyPanel(topo)
			return nil
		},
	}

	cmd.Flags().StringVar(&proxyAddr, "proxy", "localhost:9000", "proxy address")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")

	return cmd
}

func fetch(client *http.Client, url string) (int, []byte, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func outputStatusAsJSON(proxyAddr string, pingCode int, latency time.Duration, stats statLogDoc, topo balancer.Topology) error {
	doc := map[string]interface{}{
		"proxy":      proxyAddr,
		"alive":      pingCode == http.StatusOK,
		"latency_ms": latency.Milliseconds(),
		"nodes":      stats.Stats,
		"topology": map[string]interface{}{
			"couples":     len(topo.SymmetricGroups),
			"bad_groups":  topo.BadGroups,
			"cached_keys": len(topo.CacheGroups),
			"namespaces":  len(topo.GroupWeights),
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}
	jsonBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

// createPanel renders a titled, bordered panel.
func createPanel(title, icon, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}

	titleLine := iconStyle.Render(icon) + titleStyle.Render(title)
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleLine, content))
}

func printGatewayPanel(proxyAddr string, pingCode int, latency time.Duration, nodeCount int) {
	state := accentValueStyle.Render("SERVING")
	if pingCode != http.StatusOK {
		// The liveness gate answers 500 when too few storage nodes are
		// connected.
		state = dangerValueStyle.Render("REFUSING (storage degraded)")
	}

	var content strings.Builder
	metrics := []struct {
		label string
		value string
	}{
		{"Endpoint", proxyAddr},
		{"State", state},
		{"Latency", latency.Round(time.Millisecond).String()},
		{"Storage Nodes", fmt.Sprintf("%d", nodeCount)},
	}
	for _, m := range metrics {
		content.WriteString(labelStyle.Render(m.label+":") + " " + valueStyle.Render(m.value) + "\n")
	}

	fmt.Println(createPanel("GATEWAY", ">", strings.TrimSpace(content.String()), 56))
}

func printNodesPanel(stats statLogDoc) {
	if len(stats.Stats) == 0 {
		fmt.Println(createPanel("STORAGE NODES", "#",
			mutedStyle.Render("No statistics available"), 56))
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		})

	t.Headers("ADDRESS", "ID", "LOAD", "SIZE", "AVAILABLE", "USAGE")

	for _, st := range stats.Stats {
		size := int64(st.StorageSizeMB) * 1024 * 1024
		avail := int64(st.AvailableMB) * 1024 * 1024
		usage := 0.0
		if size > 0 {
			usage = float64(size-avail) * 100 / float64(size)
		}

		t.Row(
			st.Addr,
			st.ID,
			loadAverage(st.LA),
			utils.FormatDataSize(size),
			utils.FormatDataSize(avail),
			createMiniProgressBar(usage, 12),
		)
	}

	fmt.Println(createPanel("STORAGE NODES", "#", t.Render(), 0))
}

func printTopologyPanel(topo balancer.Topology) {
	var content strings.Builder

	badGroups := "none"
	badStyle := accentValueStyle
	if len(topo.BadGroups) > 0 {
		badGroups = strings.Trim(strings.Join(strings.Fields(fmt.Sprint(topo.BadGroups)), ", "), "[]")
		badStyle = dangerValueStyle
	}

	metrics := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Couples", fmt.Sprintf("%d", len(topo.SymmetricGroups)), valueStyle},
		{"Bad Groups", badGroups, badStyle},
		{"Cached Keys", fmt.Sprintf("%d", len(topo.CacheGroups)), valueStyle},
		{"Namespaces", fmt.Sprintf("%d", len(topo.GroupWeights)), valueStyle},
	}
	for _, m := range metrics {
		content.WriteString(labelStyle.Render(m.label+":") + " " + m.style.Render(m.value) + "\n")
	}

	if len(topo.SymmetricGroups) == 0 {
		content.WriteString("\n" + mutedStyle.Render("No balancer snapshot yet"))
	}

	fmt.Println(createPanel("CLUSTER TOPOLOGY", "@", strings.TrimSpace(content.String()), 56))
}

// loadAverage extracts the one-minute figure from the space-separated
// triple the stat endpoint reports.
func loadAverage(la string) string {
	if fields := strings.Fields(la); len(fields) > 0 {
		return fields[0]
	}
	return "-"
}

func createMiniProgressBar(percentage float64, width int) string {
	filled := int(percentage * float64(width) / 100)
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	color := accentColor
	if percentage > 80 {
		color = dangerColor
	} else if percentage > 60 {
		color = warningColor
	}

	filledPart := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("#", filled))
	emptyPart := mutedStyle.Render(strings.Repeat(".", width-filled))
	return fmt.Sprintf("%s%s %.1f%%", filledPart, emptyPart, percentage)
}

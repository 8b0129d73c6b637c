package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/olekukonko/tablewriter"
)

// appsListView mirrors adminapi's appView wire shape.
type appsListView struct {
	PublicKey  string `json:"public_key"`
	BusName    string `json:"bus_name"`
	ClaimState string `json:"claim_state"`
}

// RunAppsListCmd queries a running daemon's admin API for every tracked
// application and renders it as a table, the operator-facing counterpart
// to the admin API's JSON surface.
func RunAppsListCmd(c *AppsCmdConfig) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(c.AdminAddr + "/apps")
	if err != nil {
		return trace.Wrap(err, "querying admin api")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return trace.Errorf("admin api returned %s", resp.Status)
	}

	var views []appsListView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return trace.Wrap(err, "decoding admin api response")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Public Key", "Bus Name", "Claim State"})
	for _, v := range views {
		table.Append([]string{v.PublicKey, v.BusName, v.ClaimState})
	}
	table.Render()

	return nil
}

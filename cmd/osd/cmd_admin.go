package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/osd/internal/osd"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/status")
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}

		var st osd.Status
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		fmt.Printf("osd.%d  %s  epoch %d\n", st.Whoami, st.State, st.Epoch)
		fmt.Printf("maps [%d,%d]  up_epoch %d  boot_epoch %d  bind_epoch %d\n",
			st.OldestMap, st.NewestMap, st.UpEpoch, st.BootEpoch, st.BindEpoch)
		fmt.Printf("pgs %d  heartbeat peers %d\n", st.PGs, st.HeartbeatPeers)
		fmt.Printf("public %s  cluster %s\n", st.PublicAddrs, st.ClusterAddrs)
		return nil
	},
}

var pgsCmd = &cobra.Command{
	Use:   "pgs",
	Short: "List the pgs hosted by a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, status, err := apiRequest("GET", "/api/v1/pgs")
		if err != nil {
			return err
		}
		exitOnError(data, status)

		if outputJSON {
			printJSON(data)
			return nil
		}

		var out struct {
			PGs []struct {
				PGID   string  `json:"pgid"`
				Pool   string  `json:"pool"`
				Epoch  uint32  `json:"epoch"`
				Role   int     `json:"role"`
				Up     []int32 `json:"up"`
				Acting []int32 `json:"acting"`
			} `json:"pgs"`
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("decode pgs: %w", err)
		}
		if len(out.PGs) == 0 {
			fmt.Println("No pgs")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PGID\tPOOL\tEPOCH\tROLE\tUP\tACTING")
		for _, p := range out.PGs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%v\n", p.PGID, p.Pool, p.Epoch, p.Role, p.Up, p.Acting)
		}
		w.Flush()
		return nil
	},
}

var mapCmd = &cobra.Command{
	Use:   "map [epoch]",
	Short: "Print a cluster map held by a running node",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		epoch := "current"
		if len(args) == 1 {
			epoch = args[0]
		}
		data, status, err := apiRequest("GET", "/api/v1/maps/"+epoch)
		if err != nil {
			return err
		}
		exitOnError(data, status)
		printJSON(data)
		return nil
	},
}

func init() {
	addClientFlags(statusCmd, pgsCmd, mapCmd)
	rootCmd.AddCommand(statusCmd, pgsCmd, mapCmd)
}

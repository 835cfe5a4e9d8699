package cli

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSettingsCmd() *cobra.Command {
	var unsetFlag bool

	cmd := &cobra.Command{
		Use:   "settings [name [value]]",
		Short: "Show or change account preferences",
		Long:  "Preferences are stored per account in the cache. start_folder picks the folder shown after switching accounts.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()
			session := e.rt.Session

			switch {
			case len(args) == 2 || (len(args) == 1 && unsetFlag):
				value := ""
				if len(args) == 2 {
					value = args[1]
				}
				if err := session.SetSetting(ctx, args[0], value); err != nil {
					return err
				}
				if jsonFlag {
					return printJSON(map[string]string{"name": args[0], "value": value})
				}
				if value == "" {
					fmt.Printf("Unset %s\n", args[0])
				} else {
					fmt.Printf("%s = %s\n", args[0], value)
				}
				return nil
			case len(args) == 1:
				v, _ := session.Setting(args[0])
				if jsonFlag {
					return printJSON(map[string]string{"name": args[0], "value": v})
				}
				fmt.Println(v)
				return nil
			}

			all := session.Settings()
			if jsonFlag {
				if all == nil {
					all = map[string]string{}
				}
				return printJSON(all)
			}
			if len(all) == 0 {
				fmt.Println("No settings stored.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVALUE")
			for _, name := range slices.Sorted(maps.Keys(all)) {
				fmt.Fprintf(w, "%s\t%s\n", name, all[name])
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&unsetFlag, "unset", false, "remove the named setting")
	return cmd
}

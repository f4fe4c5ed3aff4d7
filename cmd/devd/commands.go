package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"devicenerd/internal/transport"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <envelope-json>",
	Short: "Dispatch one request envelope against a local kernel",
	Long: `Boots a kernel over the local data directory, executes a single
{"tool": ..., "params": ...} envelope, and prints the response envelope.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := bootKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		res := k.Registry().Execute([]byte(args[0]))
		fmt.Println(string(transport.Envelope(res)))
		if !res.OK() {
			os.Exit(1)
		}
		return nil
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Tool registry commands",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := bootKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		for _, e := range k.Registry().GetList() {
			marker := " "
			if e.IsDynamic {
				marker = "*"
			}
			fmt.Printf("%s %-28s %-10s %s\n", marker, e.Name, e.Variant, e.Description)
		}
		return nil
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Automation rule commands",
}

var rulesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print all rules as a JSON document",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := bootKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		fmt.Println(k.Engine().ExportRules())
		return nil
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import rules from a JSON document (all-or-nothing)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		k, err := bootKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		n, err := k.Engine().ImportRules(raw)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d rule(s)\n", n)
		return nil
	},
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Persistent store commands",
}

var storeKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List all stored keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := bootKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		keys := k.Store().Keys()
		fmt.Println(strings.Join(keys, "\n"))
		return nil
	},
}

var storeGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := bootKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		data, err := k.Store().Read(args[0])
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var storeDelCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Delete a stored key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := bootKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		return k.Store().Delete(args[0])
	},
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)
	rulesCmd.AddCommand(rulesExportCmd, rulesImportCmd)
	storeCmd.AddCommand(storeKeysCmd, storeGetCmd, storeDelCmd)
}

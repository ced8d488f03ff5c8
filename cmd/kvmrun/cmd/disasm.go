/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"

	"github.com/blacktop/go-kvm/payload"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(disasmCmd)
}

var disasmCmd = &cobra.Command{
	Use:     "disasm",
	Aliases: []string{"dis"},
	Short:   "Disassemble the built-in guest program",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := payload.Adder(2, 2)
		if err != nil {
			return err
		}
		listing, err := payload.Listing(p.Code, p.Entry)
		if err != nil {
			return fmt.Errorf("failed to disassemble %s: %w", p.Name, err)
		}
		fmt.Printf("%s (%d bytes at 0x%x)\n", p.Name, len(p.Code), p.Entry)
		fmt.Print(listing)
		return nil
	},
}

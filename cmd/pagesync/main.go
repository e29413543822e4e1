// pagesync replays recorded page sessions against the frame tree and event core.
package main

import "github.com/liuxd6825/pagesync/internal/cmd"

func main() {
	cmd.Execute()
}

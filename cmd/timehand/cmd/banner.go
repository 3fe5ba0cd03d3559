package cmd

import (
	"fmt"
)

const banner = `
  _______ _                _    _                 _
 |__   __(_)              | |  | |               | |
    | |   _ _ __ ___   ___| |__| | __ _ _ __   __| |
    | |  | | '_ ` + "`" + ` _ \ / _ \  __  |/ _` + "`" + ` | '_ \ / _` + "`" + ` |
    | |  | | | | | | |  __/ |  | | (_| | | | | (_| |
    |_|  |_|_| |_| |_|\___|_|  |_|\__,_|_| |_|\__,_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Authenticated Time Service - Version %s\x1b[0m\n\n", Version)
}

// Command trafficnorm-bulk normalizes user agents, referrers and domains of
// the configured traffic tables in one staged bulk pass
package main

import "os"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout))
}

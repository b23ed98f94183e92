// The main package for the siteauditor executable.
package main

import "github.com/adverify/siteauditor/cmd"

func main() {
	cmd.Execute()
}

// The main package for the ecomspider executable.
package main

import "github.com/zhoudan/ecomspider/cmd"

func main() {
	cmd.Execute()
}

// Package main is the entry point for textgate.
package main

func main() {
	Execute()
}

// Package main is the entry point for imgrelay, the image caching proxy.
package main

func main() {
	Execute()
}

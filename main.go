// Command vocalist-crawler walks the graph of YouTube creators who appear in
// each other's cover videos.
//
// Usage:
//
//	vocalist-crawler crawl --seed Soshi
//	vocalist-crawler version
package main

func main() {
	Execute()
}

// Command zibai serves one gateway application over HTTP/1.1.
//
// Usage:
//
//	# Serve myapp:application on the default endpoint
//	zibai myapp:application
//
//	# Bind a custom endpoint, with 4 supervised worker processes
//	zibai myapp:application --listen 0.0.0.0:8080 --subprocess 4
//
//	# Show version information
//	zibai version
package main

func main() {
	Execute()
}

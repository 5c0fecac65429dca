// ABOUTME: Version information for resonate-output
// ABOUTME: Reported by -version and in the mirror hello log line
package version

const (
	Version      = "0.3.0"
	Product      = "Resonate Output"
	Manufacturer = "Resonate"
)

// String returns "Product Version"
func String() string {
	return Product + " " + Version
}

//go:generate mockgen -destination=mock_tracking_test.go -package=tracking -self_package=github.com/tinyrange/memtrack/internal/tracking github.com/tinyrange/memtrack/internal/tracking AddressSpace,Block

package tracking

package detect_test

import (
	"fmt"
	"time"

	"github.com/homefeed/mlsync/internal/detect"
	"github.com/homefeed/mlsync/internal/listing"
)

func ExampleDiff() {
	oldPrice, newPrice := int64(300000), int64(330000)
	existing := &listing.Listing{ID: "b8d5bec86283", ListPrice: &oldPrice, Status: listing.StatusActive}
	incoming := listing.Listing{ID: "b8d5bec86283", ListPrice: &newPrice, Status: listing.StatusActive}

	for _, c := range detect.Diff(incoming, existing, time.Now()) {
		fmt.Printf("%s %s -> %s (%+.1f%%)\n", c.Type, c.OldValue, c.NewValue, *c.PercentChange)
	}
	// Output:
	// price 300000 -> 330000 (+10.0%)
}

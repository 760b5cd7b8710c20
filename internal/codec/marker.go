package codec

import (
	"github.com/GriffinCanCode/sandbox/internal/shared/utils"
)

// fingerprint seeds the marker. Both peers must agree on it.
var fingerprint = []string{"github.com/GriffinCanCode/sandbox", "codec", "v1"}

var (
	markerKey   = "__" + utils.NewHasher(utils.BLAKE3).Fingerprint(24, fingerprint...)
	markerValue = utils.NewHasher(utils.SHA256).Fingerprint(32, fingerprint...)
)

// MarkerKey returns the structural tag key carried by wrapped nodes
func MarkerKey() string {
	return markerKey
}

func mark(node map[string]any) map[string]any {
	node[markerKey] = markerValue
	return node
}

func isMarked(node map[string]any) bool {
	tag, ok := node[markerKey].(string)
	return ok && tag == markerValue
}

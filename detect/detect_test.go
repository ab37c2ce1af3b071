package detect

import (
	"reflect"
	"testing"

	"pagewatch/pkg/watch"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name        string
		prev        watch.Snapshot
		next        watch.Snapshot
		wantKind    Kind
		wantChanges []watch.Change
		wantMissing []string
	}{
		{
			name:     "baseline never reports change",
			prev:     nil,
			next:     watch.Snapshot{"#price": "$10"},
			wantKind: Unchanged,
		},
		{
			name:     "baseline with absent element",
			prev:     watch.Snapshot{},
			next:     watch.Snapshot{},
			wantKind: Unchanged,
		},
		{
			name:     "same text",
			prev:     watch.Snapshot{"#price": "$10"},
			next:     watch.Snapshot{"#price": "$10"},
			wantKind: Unchanged,
		},
		{
			name:        "price changed",
			prev:        watch.Snapshot{"#price": "$10"},
			next:        watch.Snapshot{"#price": "$12"},
			wantKind:    Changed,
			wantChanges: []watch.Change{{Selector: "#price", Old: "$10", New: "$12"}},
		},
		{
			name:        "element disappeared",
			prev:        watch.Snapshot{"#price": "$10"},
			next:        watch.Snapshot{},
			wantKind:    Missing,
			wantMissing: []string{"#price"},
		},
		{
			name:        "missing wins over change",
			prev:        watch.Snapshot{"#price": "$10", ".stock": "Sold out"},
			next:        watch.Snapshot{".stock": "In stock"},
			wantKind:    Missing,
			wantMissing: []string{"#price"},
		},
		{
			name:     "newly appeared element is a new baseline",
			prev:     watch.Snapshot{"#price": "$10"},
			next:     watch.Snapshot{"#price": "$10", "#banner": "Sale"},
			wantKind: Unchanged,
		},
		{
			name:     "changes reported in selector order",
			prev:     watch.Snapshot{"#b": "1", "#a": "1"},
			next:     watch.Snapshot{"#b": "2", "#a": "2"},
			wantKind: Changed,
			wantChanges: []watch.Change{
				{Selector: "#a", Old: "1", New: "2"},
				{Selector: "#b", Old: "1", New: "2"},
			},
		},
		{
			name:        "empty text to non-empty text is a change",
			prev:        watch.Snapshot{"button": ""},
			next:        watch.Snapshot{"button": "Buy"},
			wantKind:    Changed,
			wantChanges: []watch.Change{{Selector: "button", Old: "", New: "Buy"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(tt.prev, tt.next)
			if got.Kind != tt.wantKind {
				t.Errorf("Compare() kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if !reflect.DeepEqual(got.Changes, tt.wantChanges) {
				t.Errorf("Compare() changes = %v, want %v", got.Changes, tt.wantChanges)
			}
			if !reflect.DeepEqual(got.Missing, tt.wantMissing) {
				t.Errorf("Compare() missing = %v, want %v", got.Missing, tt.wantMissing)
			}
		})
	}
}

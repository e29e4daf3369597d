package main

import (
	"testing"
)

func TestParsePartitions(t *testing.T) {
	// Folds win over everything, then a configured train ratio, then the
	// ratio spec.
	parts, err := parsePartitions("train=0.7,val=0.1,test=0.2", 4, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 4 || parts[0].Name != "fold-0" || parts[3].Name != "fold-3" {
		t.Fatalf("folds gave %+v", parts)
	}

	parts, err = parsePartitions("train=0.7,val=0.1,test=0.2", 0, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 || parts[0].Name != "train" || parts[0].Ratio != 0.8 || parts[1].Name != "test" {
		t.Fatalf("train ratio gave %+v", parts)
	}

	parts, err = parsePartitions("train=0.7,val=0.1,test=0.2", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 3 || parts[1].Name != "val" || parts[1].Ratio != 0.1 {
		t.Fatalf("ratio spec gave %+v", parts)
	}

	if _, err := parsePartitions("", 0, 1.5); err == nil {
		t.Error("expected an error for a train ratio of 1.5")
	}
	if _, err := parsePartitions("train-0.7", 0, 0); err == nil {
		t.Error("expected an error for a malformed ratio spec")
	}
}

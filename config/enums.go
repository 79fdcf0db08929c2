package config

import "gopkg.in/yaml.v3"

const (
	// InfiniteClusters as n_kmeans disables clustering: regions are the raw
	// superpixel ids.
	InfiniteClusters = 9999
	// GroundTruthClusters as n_kmeans uses the dataset-native mask directly.
	GroundTruthClusters = 1
)

// MaskMode selects where region masks come from.
type MaskMode int

const (
	// MaskNone: no region supervision, a single whole-image region.
	MaskNone MaskMode = iota
	// MaskShared: the pre-computed label mask, shared by both views.
	MaskShared
	// MaskCOCO: masks rasterised from COCO annotations.
	MaskCOCO
	// MaskSLICCluster: superpixels of the canonical view, optionally clustered.
	MaskSLICCluster
)

var maskModeNames = map[MaskMode]string{
	MaskNone:        "none",
	MaskShared:      "shared",
	MaskCOCO:        "coco",
	MaskSLICCluster: "slic_cluster",
}

func (m MaskMode) String() string {
	if s, ok := maskModeNames[m]; ok {
		return s
	}
	return "unknown"
}

func ParseMaskMode(s string) (MaskMode, error) {
	for k, v := range maskModeNames {
		if v == s {
			return k, nil
		}
	}
	return 0, Errorf("unsupported mask mode %q", s)
}

func (m *MaskMode) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseMaskMode(n.Value)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m MaskMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// ClusterPolicy selects how superpixels become region identities.
type ClusterPolicy int

const (
	PolicyDirect ClusterPolicy = iota
	PolicyKMeans
	PolicyAgglomerative
)

var policyNames = map[ClusterPolicy]string{
	PolicyDirect:        "direct",
	PolicyKMeans:        "kmeans",
	PolicyAgglomerative: "agglomerative",
}

func (p ClusterPolicy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return "unknown"
}

func ParseClusterPolicy(s string) (ClusterPolicy, error) {
	for k, v := range policyNames {
		if v == s {
			return k, nil
		}
	}
	return 0, Errorf("unsupported cluster policy %q", s)
}

func (p *ClusterPolicy) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseClusterPolicy(n.Value)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p ClusterPolicy) MarshalYAML() (any, error) {
	return p.String(), nil
}

// CocoMaskMode selects the id written for each COCO annotation.
type CocoMaskMode int

const (
	// CocoClass writes the category id.
	CocoClass CocoMaskMode = iota
	// CocoInstance writes the annotation index + 1.
	CocoInstance
)

func (m CocoMaskMode) String() string {
	if m == CocoInstance {
		return "instance"
	}
	return "class"
}

func ParseCocoMaskMode(s string) (CocoMaskMode, error) {
	switch s {
	case "class":
		return CocoClass, nil
	case "instance":
		return CocoInstance, nil
	}
	return 0, Errorf("unsupported coco mask mode %q", s)
}

func (m *CocoMaskMode) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseCocoMaskMode(n.Value)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m CocoMaskMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

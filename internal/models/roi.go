package models

// ROI describes one requested region of the parcellation
type ROI struct {
	// Index is the 1-based row of the ROI table and the atlas label value
	Index int

	// Name is the full parcel name, e.g. "7Networks_LH_Vis_1"
	Name string

	// NetworkLabel is the functional network the parcel belongs to, e.g. "Vis"
	NetworkLabel string

	// ParcelLabel is the name without the network-count prefix, e.g. "LH_Vis_1"
	ParcelLabel string

	// Native is the centroid in the atlas frame (FreeSurfer RAS)
	Native Coordinate

	// Standard is the centroid in MNI152 space
	Standard Coordinate
}

// Label is one decoded term and its method-specific score.
type Label struct {
	Term  string
	Score float64

	// PValue is the significance of the association when the method
	// provides one, NaN otherwise
	PValue float64
}

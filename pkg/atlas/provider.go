package atlas

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"roidecode/internal/download"
	"roidecode/internal/models"
	"roidecode/internal/roierr"
)

// Provider fetches Schaefer 2018 parcellations into a local directory.
type Provider struct {
	// Dir receives the downloaded files; existing files are reused
	Dir string

	// BaseURL is the CBIG "Parcellations/MNI" directory
	BaseURL string

	// Resolution is the voxel size in mm of the FSLMNI152 variant
	Resolution int

	Client *download.Client
	Logger *slog.Logger
}

// FileStem returns the common file name prefix of a parcellation.
func FileStem(parcels, networks, resolution int) string {
	return fmt.Sprintf("Schaefer2018_%dParcels_%dNetworks_order_FSLMNI152_%dmm", parcels, networks, resolution)
}

// Fetch returns the labelled volume and centroid table for a parcellation,
// downloading whichever file is not already present in Dir.
func (p *Provider) Fetch(ctx context.Context, networks, parcels int) (*models.LabelVolume, *Table, error) {
	stem := FileStem(parcels, networks, p.Resolution)
	tableName := stem + ".Centroid_RAS.csv"
	imageName := stem + ".nii.gz"

	tablePath := filepath.Join(p.Dir, tableName)
	imagePath := filepath.Join(p.Dir, imageName)

	p.logger().Info("fetching Schaefer 2018 parcellation",
		slog.Int("parcels", parcels), slog.Int("networks", networks))

	if _, err := p.Client.Ensure(ctx, p.BaseURL+"/Centroid_coordinates/"+tableName, tablePath); err != nil {
		return nil, nil, fmt.Errorf("fetch ROI table: %w", err)
	}
	if _, err := p.Client.Ensure(ctx, p.BaseURL+"/"+imageName, imagePath); err != nil {
		return nil, nil, fmt.Errorf("fetch atlas image: %w", err)
	}

	table, err := ReadTableFile(tablePath, networks)
	if err != nil {
		return nil, nil, err
	}
	vol, err := ReadNIfTI(imagePath)
	if err != nil {
		return nil, nil, err
	}
	if err := Check(vol, table, parcels); err != nil {
		return nil, nil, err
	}
	vol.NumParcels = parcels
	return vol, table, nil
}

// Check verifies that the volume and the table describe the same parcellation.
func Check(vol *models.LabelVolume, table *Table, parcels int) error {
	const op = "atlas.Check"
	if table.Len() != parcels {
		return roierr.Newf(roierr.MalformedInput, op, "ROI table has %d rows, expected %d parcels", table.Len(), parcels)
	}
	if max := vol.MaxLabel(); max > table.Len() {
		return roierr.Newf(roierr.MalformedInput, op, "atlas label %d exceeds ROI table size %d", max, table.Len())
	}
	return nil
}

func (p *Provider) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

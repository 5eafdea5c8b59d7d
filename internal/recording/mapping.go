package recording

import "github.com/oszuidwest/zwfm-noisemeter/internal/store"

func assetFromRecord(r store.Record) Asset {
	return Asset{
		ID:             r.ID,
		FilePath:       r.FilePath,
		DurationMillis: r.DurationMillis,
		CreatedAt:      r.Timestamp,
		IsNoisy:        r.IsNoisy,
	}
}

func recordFromAsset(a Asset) store.Record {
	return store.Record{
		ID:             a.ID,
		FilePath:       a.FilePath,
		Timestamp:      a.CreatedAt,
		DurationMillis: a.DurationMillis,
		IsNoisy:        a.IsNoisy,
	}
}

func assetsFromRecords(records []store.Record) []Asset {
	assets := make([]Asset, len(records))
	for i, r := range records {
		assets[i] = assetFromRecord(r)
	}
	return assets
}

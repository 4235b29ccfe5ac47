package store

import (
	"encoding/json"
	"fmt"

	"drase/internal/models"
)

func encodeSpectra(spectra []models.BaseSpectrumXYZ) ([]byte, error) {
	return json.Marshal(spectra)
}

func decodeSpectra(data []byte) ([]models.BaseSpectrumXYZ, error) {
	var spectra []models.BaseSpectrumXYZ
	if err := json.Unmarshal(data, &spectra); err != nil {
		return nil, err
	}
	return spectra, nil
}

func encodeBackground(bg models.BackgroundSpectrum) ([]byte, error) {
	return json.Marshal(bg)
}

func decodeBackground(data []byte) (models.BackgroundSpectrum, error) {
	var bg models.BackgroundSpectrum
	if err := json.Unmarshal(data, &bg); err != nil {
		return models.BackgroundSpectrum{}, err
	}
	return bg, nil
}

func checkSpectra(detector models.Detector, material string, spectra []models.BaseSpectrumXYZ) error {
	for i, s := range spectra {
		if len(s.Counts) != detector.ChanCount {
			return fmt.Errorf("%s/%s spectrum %d has %d channels, detector has %d",
				detector.Name, material, i, len(s.Counts), detector.ChanCount)
		}
		if s.LiveTime <= 0 || s.Sensitivity <= 0 {
			return fmt.Errorf("%s/%s spectrum %d needs positive live time and sensitivity", detector.Name, material, i)
		}
	}
	return nil
}

func checkBackground(detector models.Detector, bg models.BackgroundSpectrum) error {
	if len(bg.Counts) != detector.ChanCount {
		return fmt.Errorf("background %s has %d channels, detector %s has %d",
			bg.Material, len(bg.Counts), detector.Name, detector.ChanCount)
	}
	if bg.LiveTime <= 0 || bg.RealTime <= 0 {
		return fmt.Errorf("background %s/%s needs positive live and real time", detector.Name, bg.Material)
	}
	return nil
}

func modelKeyString(key models.ModelKey) string {
	return key.Detector + "\x00" + key.Material + "\x00" + key.ModelName + "\x00" + key.Def
}

func bgKey(detector, material string) string {
	return detector + "\x00" + material
}

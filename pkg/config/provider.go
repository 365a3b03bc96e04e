package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration, with defaults applied and validated
	LoadConfig() (*ConfigData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData is the complete pipeline configuration
type ConfigData struct {
	General         GeneralData         `json:"general" yaml:"general"`
	ChangeDetection ChangeDetectionData `json:"change_detection" yaml:"change-detection"`
	Classification  ClassificationData  `json:"classification" yaml:"classification"`
	Storage         StorageData         `json:"storage,omitempty" yaml:"storage,omitempty"`
}

// GeneralData holds parameters shared by every stage
type GeneralData struct {
	// Segments is the fixed slot depth N of the long-format stack
	Segments   int      `json:"segments" yaml:"segments"`
	ClassBands []string `json:"class_bands" yaml:"class-bands"`
	Coefs      []string `json:"coefs" yaml:"coefs"`
	// ForestValue is the class code for forest. Nil means unset, so an
	// explicit 0 survives ApplyDefaults.
	ForestValue *int `json:"forest_value" yaml:"forest-value"`
	// StartYear and EndYear bound the study window; 0 derives them from the
	// segment record
	StartYear int `json:"start_year,omitempty" yaml:"start-year,omitempty"`
	EndYear   int `json:"end_year,omitempty" yaml:"end-year,omitempty"`
	// MagnitudeBand gates post-break segments on a magnitude decline in this
	// band. Nil takes the default; an explicit empty string disables gating.
	MagnitudeBand *string `json:"magnitude_band" yaml:"magnitude-band"`
	// MatchPolicy selects segments for training samples: normal, before, after or auto
	MatchPolicy string `json:"match_policy" yaml:"match-policy"`
}

// ChangeDetectionData records the parameters the external segment fitter ran with
type ChangeDetectionData struct {
	Lambda               float64 `json:"lambda" yaml:"lambda"`
	MinNumOfYearsScaler  float64 `json:"min_num_of_years_scaler" yaml:"min-num-of-years-scaler"`
	DateFormat           int     `json:"date_format" yaml:"date-format"`
	MinObservations      int     `json:"min_observations" yaml:"min-observations"`
	ChiSquareProbability float64 `json:"chi_square_probability" yaml:"chi-square-probability"`
}

// ClassificationData holds segment classifier settings
type ClassificationData struct {
	ClassProperty string   `json:"class_property" yaml:"class-property"`
	Coefs         []string `json:"coefs" yaml:"coefs"`
	// Ancillary lists extra predictor layers expected alongside the segments
	Ancillary       []string       `json:"ancillary,omitempty" yaml:"ancillary,omitempty"`
	Classifier      ClassifierData `json:"classifier" yaml:"classifier"`
	TrainProportion float64        `json:"train_proportion,omitempty" yaml:"train-proportion,omitempty"`
	Seed            uint64         `json:"seed" yaml:"seed"`
	TrainOnSubset   bool           `json:"train_on_subset,omitempty" yaml:"train-on-subset,omitempty"`
	StudyArea       *StudyAreaData `json:"study_area,omitempty" yaml:"study-area,omitempty"`
	// SubsetToStudyArea restricts training samples to StudyArea
	SubsetToStudyArea bool `json:"subset_to_study_area,omitempty" yaml:"subset-to-study-area,omitempty"`
}

// ClassifierData selects and parameterizes the classifier
type ClassifierData struct {
	Type        string  `json:"type" yaml:"type"`
	Trees       int     `json:"trees,omitempty" yaml:"trees,omitempty"`
	MaxDepth    int     `json:"max_depth,omitempty" yaml:"max-depth,omitempty"`
	MinLeafSize int     `json:"min_leaf_size,omitempty" yaml:"min-leaf-size,omitempty"`
	Features    int     `json:"features,omitempty" yaml:"features,omitempty"`
	BagFraction float64 `json:"bag_fraction,omitempty" yaml:"bag-fraction,omitempty"`
	K           int     `json:"k,omitempty" yaml:"k,omitempty"`
}

// StudyAreaData is a pixel rectangle or, when Polygon is set, a polygon
type StudyAreaData struct {
	MinCol  int          `json:"min_col" yaml:"min-col"`
	MinRow  int          `json:"min_row" yaml:"min-row"`
	MaxCol  int          `json:"max_col" yaml:"max-col"`
	MaxRow  int          `json:"max_row" yaml:"max-row"`
	Polygon [][2]float64 `json:"polygon,omitempty" yaml:"polygon,omitempty"`
}

// StorageData holds persistence settings
type StorageData struct {
	SQLite *SQLiteData `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
}

type SQLiteData struct {
	Path string `json:"path" yaml:"path"`
}

// Defaults returns the stock configuration: five segments over the
// GV/Shade/NPV/Soil/NDFI fraction bands and a 150-tree random forest.
func Defaults() ConfigData {
	return ConfigData{
		General: GeneralData{
			Segments:      5,
			ClassBands:    []string{"GV", "Shade", "NPV", "Soil", "NDFI"},
			Coefs:         []string{"INTP", "SIN", "COS", "RMSE", "SLP"},
			ForestValue:   IntPtr(1),
			MagnitudeBand: StringPtr("NDFI"),
			MatchPolicy:   "before",
		},
		ChangeDetection: ChangeDetectionData{
			Lambda:               20.0 / 10000,
			MinNumOfYearsScaler:  1.33,
			DateFormat:           1,
			MinObservations:      3,
			ChiSquareProbability: 0.9,
		},
		Classification: ClassificationData{
			ClassProperty: "landcover",
			Coefs:         []string{"INTP", "SIN", "COS", "RMSE"},
			Classifier: ClassifierData{
				Type:        "random-forest",
				Trees:       150,
				BagFraction: 0.5,
			},
		},
	}
}

// ApplyDefaults fills zero-valued fields from Defaults.
func (c *ConfigData) ApplyDefaults() {
	d := Defaults()

	g := &c.General
	if g.Segments == 0 {
		g.Segments = d.General.Segments
	}
	if len(g.ClassBands) == 0 {
		g.ClassBands = d.General.ClassBands
	}
	if len(g.Coefs) == 0 {
		g.Coefs = d.General.Coefs
	}
	if g.ForestValue == nil {
		g.ForestValue = d.General.ForestValue
	}
	if g.MagnitudeBand == nil {
		g.MagnitudeBand = d.General.MagnitudeBand
	}
	if g.MatchPolicy == "" {
		g.MatchPolicy = d.General.MatchPolicy
	}

	if c.ChangeDetection == (ChangeDetectionData{}) {
		c.ChangeDetection = d.ChangeDetection
	}

	cl := &c.Classification
	if cl.ClassProperty == "" {
		cl.ClassProperty = d.Classification.ClassProperty
	}
	if len(cl.Coefs) == 0 {
		cl.Coefs = d.Classification.Coefs
	}
	if cl.Classifier.Type == "" {
		cl.Classifier = d.Classification.Classifier
	}
}

// Forest returns the forest class code, falling back to the default when unset.
func (g GeneralData) Forest() int {
	if g.ForestValue == nil {
		return *Defaults().General.ForestValue
	}
	return *g.ForestValue
}

// Magnitude returns the gating band, falling back to the default when unset.
func (g GeneralData) Magnitude() string {
	if g.MagnitudeBand == nil {
		return *Defaults().General.MagnitudeBand
	}
	return *g.MagnitudeBand
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }

// Validate checks cross-field constraints.
func (c *ConfigData) Validate() error {
	g := c.General
	if g.Segments < 2 {
		return fmt.Errorf("%w: segments must be at least 2, got %d", ErrInvalidConfig, g.Segments)
	}
	if len(g.ClassBands) == 0 {
		return fmt.Errorf("%w: no class bands", ErrInvalidConfig)
	}
	if g.StartYear != 0 && g.EndYear != 0 && g.StartYear > g.EndYear {
		return fmt.Errorf("%w: start year %d after end year %d", ErrInvalidConfig, g.StartYear, g.EndYear)
	}
	switch g.MatchPolicy {
	case "normal", "before", "after", "auto":
	default:
		return fmt.Errorf("%w: match policy %q", ErrInvalidConfig, g.MatchPolicy)
	}

	cl := c.Classification
	if len(cl.Coefs) == 0 {
		return fmt.Errorf("%w: no classification coefficients", ErrInvalidConfig)
	}
	if cl.TrainProportion < 0 || cl.TrainProportion >= 1 {
		return fmt.Errorf("%w: train proportion %v not in [0, 1)", ErrInvalidConfig, cl.TrainProportion)
	}
	if cl.SubsetToStudyArea && cl.StudyArea == nil {
		return fmt.Errorf("%w: subset-to-study-area set without a study area", ErrInvalidConfig)
	}
	if sa := cl.StudyArea; sa != nil && len(sa.Polygon) == 0 && (sa.MinCol > sa.MaxCol || sa.MinRow > sa.MaxRow) {
		return fmt.Errorf("%w: empty study area rectangle", ErrInvalidConfig)
	}
	if sa := cl.StudyArea; sa != nil && len(sa.Polygon) > 0 && len(sa.Polygon) < 3 {
		return fmt.Errorf("%w: study area polygon needs at least 3 vertices", ErrInvalidConfig)
	}
	return nil
}

// finish applies defaults and validates a freshly loaded configuration.
func finish(c *ConfigData) (*ConfigData, error) {
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

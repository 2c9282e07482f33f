package bundle

// VocalicBundle configures the vocalic model family: subjects talk to each
// other and their speech vocalics are observed as each one finishes talking.
// Vocalic observations form a single serial multi-dimensional series.
type VocalicBundle struct {
	NumSubjects                     int `bundle:"num_subjects"`
	NumTimeStepsInCoordinationScale int `bundle:"num_time_steps_in_coordination_scale"`

	// Capped to the number of time steps in coordination scale. PPA
	// truncation rewrites this per fitting horizon.
	NumTimeStepsToFit int `bundle:"num_time_steps_to_fit"`

	// Coordination priors.
	MeanMeanUC0          float64 `bundle:"mean_mean_uc0"`
	SdMeanUC0            float64 `bundle:"sd_mean_uc0"`
	SdSdUC               float64 `bundle:"sd_sd_uc"`
	ConstantCoordination bool    `bundle:"constant_coordination"`

	// State space and observation priors.
	MeanMeanA0 float64 `bundle:"mean_mean_a0"`
	SdMeanA0   float64 `bundle:"sd_mean_a0"`
	SdSdA      float64 `bundle:"sd_sd_a"`
	SdSdO      float64 `bundle:"sd_sd_o"`

	ObservationNormalization string `bundle:"observation_normalization"`

	NumVocalicFeatures  int      `bundle:"num_vocalic_features"`
	VocalicFeatureNames []string `bundle:"vocalic_feature_names"`

	// Metadata attributes. These must be filled from the evidence row by the
	// data mapper before inference.
	TimeStepsInCoordinationScale Matrix `bundle:"time_steps_in_coordination_scale"`
	SubjectIndices               Matrix `bundle:"subject_indices"`
	PrevTimeSameSubject          Matrix `bundle:"prev_time_same_subject"`
	PrevTimeDiffSubject          Matrix `bundle:"prev_time_diff_subject"`
	ObservedValues               Matrix `bundle:"observed_values"`
}

// NewVocalicBundle returns a vocalic bundle with the default priors the model
// was calibrated with.
func NewVocalicBundle() *VocalicBundle {
	return &VocalicBundle{
		NumSubjects:                     3,
		NumTimeStepsInCoordinationScale: 100,
		MeanMeanUC0:                     0.0,
		SdMeanUC0:                       1.0,
		SdSdUC:                          1.0,
		MeanMeanA0:                      0.0,
		SdMeanA0:                        1.0,
		SdSdA:                           1.0,
		SdSdO:                           1.0,
		ObservationNormalization:        "norm_per_feature",
		NumVocalicFeatures:              4,
		VocalicFeatureNames:             []string{"pitch", "intensity", "jitter", "shimmer"},
	}
}

func (b *VocalicBundle) ModelName() string { return "vocalic" }

// Serial is true: mapped columns stack as successive dimensions of one
// serial observation.
func (b *VocalicBundle) Serial() bool { return true }

// VocalicSemanticBundle extends the vocalic bundle with the semantic-link
// channel: per-subject scalar marks at the time steps where semantically
// related speech was detected.
type VocalicSemanticBundle struct {
	VocalicBundle

	SdSdS float64 `bundle:"sd_sd_s"`

	SemanticLinkTimeStepsInCoordinationScale Matrix `bundle:"semantic_link_time_steps_in_coordination_scale"`
}

// NewVocalicSemanticBundle returns a vocalic+semantic bundle with default
// priors.
func NewVocalicSemanticBundle() *VocalicSemanticBundle {
	return &VocalicSemanticBundle{
		VocalicBundle: *NewVocalicBundle(),
		SdSdS:         5.0,
	}
}

func (b *VocalicSemanticBundle) ModelName() string { return "vocalic_semantic" }

// Serial is false for the semantic channel: rows and columns are transposed
// during mapping so axis 0 indexes subjects.
func (b *VocalicSemanticBundle) Serial() bool { return false }

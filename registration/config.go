package registration

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config carries every pipeline setting. It is constructed once, passed by
// reference into the components that need it, and never read from ambient
// state.
type Config struct {
	Registration  RegistrationConfig  `yaml:"registration"`
	Input         InputConfig         `yaml:"input"`
	Filters       FiltersConfig       `yaml:"filters"`
	Coarse        SACConfig           `yaml:"coarse"`
	Fine          ICPConfig           `yaml:"fine"`
	Correction    CorrectionConfig    `yaml:"correction"`
	Visualization VisualizationConfig `yaml:"visualization"`
	Meshing       MeshingConfig       `yaml:"meshing"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Storage       StorageConfig       `yaml:"storage"`
	Workers       int                 `yaml:"workers"` // 0 selects min(NumCPU, 8)
}

// RegistrationConfig shapes the loop structure of a run.
type RegistrationConfig struct {
	FixedLoopSize         int  `yaml:"fixed_loop_size"` // frames per loop in fixed-stride mode
	EdgeBalancing         bool `yaml:"edge_balancing"`  // balanced vs fixed-stride edge selection
	LoopClosureCorrection bool `yaml:"loop_closure_correction"`
	ReadFrom              int  `yaml:"read_from"`
	ReadTo                int  `yaml:"read_to"`
	ReadStep              int  `yaml:"read_step"`
}

// InputConfig locates the scan files.
type InputConfig struct {
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"` // printf pattern with one %d for the frame index
}

// FiltersConfig parameterizes cloud preprocessing. A zero leaf size or
// mean-k disables the corresponding filter.
type FiltersConfig struct {
	VoxelLeafSize float64 `yaml:"voxel_leaf_size"`
	OutlierMeanK  int     `yaml:"outlier_mean_k"`
	OutlierStddev float64 `yaml:"outlier_stddev"`
}

// CorrectionConfig parameterizes the two loop-closure passes.
type CorrectionConfig struct {
	CorrespondDistance float64 `yaml:"correspondence_distance"`
	RelaxationSweeps   int     `yaml:"relaxation_sweeps"`
	RelaxationFactor   float64 `yaml:"relaxation_factor"`
}

// VisualizationConfig toggles rendering output. Neither flag affects
// registration results.
type VisualizationConfig struct {
	DrawCameraPoses bool   `yaml:"draw_camera_poses"`
	DrawMesh        bool   `yaml:"draw_mesh"`
	OutputDir       string `yaml:"output_dir"`
}

// MeshingConfig parameterizes the occupancy volume.
type MeshingConfig struct {
	VoxelSize float64 `yaml:"voxel_size"`
}

// MQTTConfig holds broker settings. An empty broker disables publishing.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// StorageConfig holds persistence settings. An empty path disables the
// run store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// DefaultConfig returns a configuration that processes 400 frames in loops
// of 20 with correction enabled and pose rendering on.
func DefaultConfig() *Config {
	return &Config{
		Registration: RegistrationConfig{
			FixedLoopSize:         20,
			EdgeBalancing:         false,
			LoopClosureCorrection: true,
			ReadFrom:              0,
			ReadTo:                400,
			ReadStep:              1,
		},
		Input: InputConfig{
			Dir:     "./scans",
			Pattern: "cloud_%d.pcd",
		},
		Filters: FiltersConfig{
			VoxelLeafSize: 0.05,
			OutlierMeanK:  16,
			OutlierStddev: 1.5,
		},
		Coarse: DefaultSACConfig(),
		Fine:   DefaultICPConfig(),
		Correction: CorrectionConfig{
			CorrespondDistance: 0.5,
			RelaxationSweeps:   8,
			RelaxationFactor:   0.5,
		},
		Visualization: VisualizationConfig{
			DrawCameraPoses: true,
			DrawMesh:        false,
			OutputDir:       "./out",
		},
		Meshing: MeshingConfig{
			VoxelSize: 0.1,
		},
		MQTT: MQTTConfig{
			ClientID:    "roomscanner",
			TopicPrefix: "roomscanner",
		},
	}
}

// LoadConfig reads a YAML configuration file and validates it. Settings
// absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Registration.FixedLoopSize < 1 {
		return fmt.Errorf("%w: registration.fixed_loop_size %d must be at least 1", ErrInvalidConfig, c.Registration.FixedLoopSize)
	}
	if c.Registration.ReadStep < 1 {
		return fmt.Errorf("%w: registration.read_step %d must be at least 1", ErrInvalidConfig, c.Registration.ReadStep)
	}
	if c.Registration.ReadTo < c.Registration.ReadFrom {
		return fmt.Errorf("%w: registration range [%d, %d] is reversed", ErrInvalidConfig, c.Registration.ReadFrom, c.Registration.ReadTo)
	}
	if c.Input.Dir == "" {
		return fmt.Errorf("%w: input.dir is required", ErrInvalidConfig)
	}
	if !strings.Contains(c.Input.Pattern, "%d") {
		return fmt.Errorf("%w: input.pattern %q must contain %%d", ErrInvalidConfig, c.Input.Pattern)
	}
	if c.Filters.VoxelLeafSize < 0 {
		return fmt.Errorf("%w: filters.voxel_leaf_size %v is negative", ErrInvalidConfig, c.Filters.VoxelLeafSize)
	}
	if c.Filters.OutlierMeanK < 0 {
		return fmt.Errorf("%w: filters.outlier_mean_k %d is negative", ErrInvalidConfig, c.Filters.OutlierMeanK)
	}
	if c.Filters.OutlierMeanK > 0 && c.Filters.OutlierStddev <= 0 {
		return fmt.Errorf("%w: filters.outlier_stddev %v must be positive", ErrInvalidConfig, c.Filters.OutlierStddev)
	}
	if c.Coarse.KeypointLeafSize <= 0 {
		return fmt.Errorf("%w: coarse.keypoint_leaf_size %v must be positive", ErrInvalidConfig, c.Coarse.KeypointLeafSize)
	}
	if c.Coarse.Candidates < 1 {
		return fmt.Errorf("%w: coarse.candidates %d must be at least 1", ErrInvalidConfig, c.Coarse.Candidates)
	}
	if c.Coarse.InlierDist <= 0 {
		return fmt.Errorf("%w: coarse.inlier_distance %v must be positive", ErrInvalidConfig, c.Coarse.InlierDist)
	}
	if c.Coarse.MinInliers < 1 {
		return fmt.Errorf("%w: coarse.min_inliers %d must be at least 1", ErrInvalidConfig, c.Coarse.MinInliers)
	}
	if c.Coarse.RefineRounds < 0 {
		return fmt.Errorf("%w: coarse.refine_rounds %d is negative", ErrInvalidConfig, c.Coarse.RefineRounds)
	}
	if c.Fine.MaxIterations < 1 {
		return fmt.Errorf("%w: fine.max_iterations %d must be at least 1", ErrInvalidConfig, c.Fine.MaxIterations)
	}
	if c.Fine.ConvergenceThresh < 0 {
		return fmt.Errorf("%w: fine.convergence_threshold %v is negative", ErrInvalidConfig, c.Fine.ConvergenceThresh)
	}
	if c.Fine.MaxCorrespondDist <= 0 {
		return fmt.Errorf("%w: fine.max_correspondence_distance %v must be positive", ErrInvalidConfig, c.Fine.MaxCorrespondDist)
	}
	if c.Fine.OutlierPercentile <= 0 || c.Fine.OutlierPercentile > 1 {
		return fmt.Errorf("%w: fine.outlier_percentile %v must be in (0, 1]", ErrInvalidConfig, c.Fine.OutlierPercentile)
	}
	if c.Fine.SamplePoints < 0 {
		return fmt.Errorf("%w: fine.sample_points %d is negative", ErrInvalidConfig, c.Fine.SamplePoints)
	}
	if c.Registration.LoopClosureCorrection {
		if c.Correction.CorrespondDistance <= 0 {
			return fmt.Errorf("%w: correction.correspondence_distance %v must be positive", ErrInvalidConfig, c.Correction.CorrespondDistance)
		}
		if c.Correction.RelaxationSweeps < 0 {
			return fmt.Errorf("%w: correction.relaxation_sweeps %d is negative", ErrInvalidConfig, c.Correction.RelaxationSweeps)
		}
		if c.Correction.RelaxationFactor < 0 || c.Correction.RelaxationFactor > 1 {
			return fmt.Errorf("%w: correction.relaxation_factor %v must be in [0, 1]", ErrInvalidConfig, c.Correction.RelaxationFactor)
		}
	}
	if (c.Visualization.DrawCameraPoses || c.Visualization.DrawMesh) && c.Visualization.OutputDir == "" {
		return fmt.Errorf("%w: visualization.output_dir is required when drawing is enabled", ErrInvalidConfig)
	}
	if c.Visualization.DrawMesh && c.Meshing.VoxelSize <= 0 {
		return fmt.Errorf("%w: meshing.voxel_size %v must be positive", ErrInvalidConfig, c.Meshing.VoxelSize)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers %d is negative", ErrInvalidConfig, c.Workers)
	}
	return nil
}

// PipelineOptions converts the registration and visualization sections
// into driver options.
func (c *Config) PipelineOptions() PipelineOptions {
	return PipelineOptions{
		ReadFrom:        c.Registration.ReadFrom,
		ReadTo:          c.Registration.ReadTo,
		ReadStep:        c.Registration.ReadStep,
		LoopSize:        c.Registration.FixedLoopSize,
		Workers:         c.Workers,
		DrawCameraPoses: c.Visualization.DrawCameraPoses,
		DrawMesh:        c.Visualization.DrawMesh,
	}
}

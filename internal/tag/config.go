package tag

// Config controls where finished artifacts are placed and which
// ffmpeg binaries are used to produce them.
type Config struct {
	OutputDir      string `yaml:"output_dir" env:"TAG_OUTPUT_DIR" env-default:"/data/music"`
	Extension      string `yaml:"extension" env:"TAG_EXTENSION" env-default:"flac"`
	FfmpegBinPath  string `yaml:"ffmpeg_bin" env:"FORMAT_FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
	FfprobeBinPath string `yaml:"ffprobe_bin" env:"FORMAT_FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
}

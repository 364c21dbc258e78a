package audio

// ChapterArtifact describes a persisted chapter file. It is immutable once
// returned by ChapterWriter.Commit.
type ChapterArtifact struct {
	ChapterIndex    int
	Title           string
	FilePath        string
	DurationSeconds float64
	Format          Format
	SampleRate      int
	Channels        int
}

// AudiobookArtifact describes the combined book file.
type AudiobookArtifact struct {
	FilePath             string
	Format               Format
	TotalDurationSeconds float64
	ChapterCount         int
}

package hub

import "testing"

func TestRepoFileURL(t *testing.T) {
	cases := []struct {
		name string
		repo Repo
		file string
		want string
	}{
		{"model default revision", Repo{Name: "m", Type: TypeModel, RepoID: "openai/whisper-tiny"}, "config.json",
			"https://huggingface.co/openai/whisper-tiny/resolve/main/config.json"},
		{"dataset revision", Repo{Name: "d", Type: TypeDataset, RepoID: "org/data", Revision: "v1"}, "train/part-0.bin",
			"https://huggingface.co/datasets/org/data/resolve/v1/train/part-0.bin"},
		{"space", Repo{Name: "s", Type: TypeSpace, RepoID: "org/demo"}, "/app.bin",
			"https://huggingface.co/spaces/org/demo/resolve/main/app.bin"},
		{"custom", Repo{Name: "c", Type: TypeCustom, Endpoint: "http://mirror.local/weights/"}, "a/b.gguf",
			"http://mirror.local/weights/a/b.gguf"},
		{"dot segments stay inside repo", Repo{Name: "m", Type: TypeModel, RepoID: "org/m"}, "../../etc/passwd",
			"https://huggingface.co/org/m/resolve/main/etc/passwd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.repo.FileURL(tc.file)
			if err != nil {
				t.Fatalf("FileURL error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("FileURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRepoFileURLErrors(t *testing.T) {
	cases := []Repo{
		{Name: "unknown", Type: "rubygems", RepoID: "x"},
		{Name: "noid", Type: TypeModel},
		{Name: "badendpoint", Type: TypeCustom, Endpoint: "ftp://mirror"},
	}
	for _, repo := range cases {
		if _, err := repo.FileURL("a.bin"); err == nil {
			t.Fatalf("expected error for repo %s", repo.Name)
		}
	}
	repo := Repo{Name: "m", Type: TypeModel, RepoID: "org/m"}
	if _, err := repo.FileURL("/"); err == nil {
		t.Fatalf("expected error for empty file path")
	}
}

func TestRepoAuthHeader(t *testing.T) {
	if (Repo{}).AuthHeader() != nil {
		t.Fatalf("no token should mean no header")
	}
	header := Repo{Token: "secret"}.AuthHeader()
	if header.Get("Authorization") != "Bearer secret" {
		t.Fatalf("unexpected header %v", header)
	}
}

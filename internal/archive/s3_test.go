package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/pkg/arenadto"
)

type fakeS3 struct {
	puts map[string][]byte
	err  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestArchive_WritesFinishedMatch(t *testing.T) {
	fake := &fakeS3{}
	a := newS3(fake, "arena", "/matches/", nil)
	m := &domain.Match{
		ID: "m1", TournamentID: "t1", Side1: "a", Side2: "b",
		Status: domain.MatchCompleted, Winner: 2,
		Moves: []domain.Move{{Seq: 1, Side: 1, Actor: "a", Column: 0}},
	}
	if err := a.Archive(context.Background(), m); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	body, ok := fake.puts["arena/matches/t1/m1.json"]
	if !ok {
		t.Fatalf("puts = %v", fake.puts)
	}
	var got arenadto.Match
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.WinnerID != "b" || len(got.Moves) != 1 || got.Board[5][0] != 1 {
		t.Fatalf("archived = %+v", got)
	}
}

func TestArchive_SkipsUnfinishedAndWrapsErrors(t *testing.T) {
	fake := &fakeS3{}
	a := newS3(fake, "arena", "", nil)
	if err := a.Archive(context.Background(), &domain.Match{ID: "m", Status: domain.MatchInProgress}); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(fake.puts) != 0 {
		t.Fatalf("unfinished match archived")
	}
	if key := a.Key(&domain.Match{ID: "x"}); key != "standalone/x.json" {
		t.Fatalf("key = %q", key)
	}

	boom := errors.New("boom")
	fake.err = boom
	if err := a.Archive(context.Background(), &domain.Match{ID: "m", Status: domain.MatchDraw}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

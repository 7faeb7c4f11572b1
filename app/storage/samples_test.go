package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/umputun/trie-spam/app/storage/engine"
	"github.com/umputun/trie-spam/lib"
	"github.com/umputun/trie-spam/lib/trie"
)

func (s *StorageTestSuite) TestNewSamples() {
	for _, db := range s.getTestDB() {
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			samples, err := NewSamples(context.Background(), db)
			s.Require().NoError(err)
			s.NotNil(samples)

			_, err = NewSamples(context.Background(), db)
			s.NoError(err, "existing table is fine")
		})
	}

	_, err := NewSamples(context.Background(), nil)
	s.Error(err)
}

func (s *StorageTestSuite) TestSamples_Add() {
	ctx := context.Background()
	for _, db := range s.getTestDB() {
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			samples, err := NewSamples(ctx, db)
			s.Require().NoError(err)

			tests := []struct {
				name    string
				class   trie.Class
				origin  SampleOrigin
				message string
				wantErr bool
			}{
				{"ham preset", trie.Ham, SampleOriginPreset, "see you at lunch", false},
				{"spam user", trie.Spam, SampleOriginUser, "free money now", false},
				{"invalid class", trie.Class(7), SampleOriginUser, "msg", true},
				{"invalid origin", trie.Spam, SampleOrigin("bad"), "msg", true},
				{"origin any", trie.Spam, SampleOriginAny, "msg", true},
				{"empty message", trie.Ham, SampleOriginUser, "", true},
				{"same message replaces", trie.Spam, SampleOriginUser, "see you at lunch", false},
			}
			for _, tt := range tests {
				s.Run(tt.name, func() {
					err := samples.Add(ctx, tt.class, tt.origin, tt.message)
					if tt.wantErr {
						s.Error(err)
						return
					}
					s.Require().NoError(err)
					var count int
					err = db.Get(&count, db.Adopt("SELECT COUNT(*) FROM samples WHERE message = ? AND type = ? AND origin = ?"),
						tt.message, tt.class.String(), tt.origin)
					s.Require().NoError(err)
					s.Equal(1, count)
				})
			}

			st, err := samples.Stats(ctx)
			s.Require().NoError(err)
			s.Equal(SamplesStats{TotalSpam: 2, UserSpam: 2}, *st)
		})
	}
}

func (s *StorageTestSuite) TestSamples_DeleteMessage() {
	ctx := context.Background()
	for _, db := range s.getTestDB() {
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			samples, err := NewSamples(ctx, db)
			s.Require().NoError(err)
			s.Require().NoError(samples.Add(ctx, trie.Spam, SampleOriginUser, "cheap pills"))
			s.Require().NoError(samples.Add(ctx, trie.Ham, SampleOriginUser, "lunch today?"))

			s.Require().NoError(samples.DeleteMessage(ctx, trie.Spam, "cheap pills"))
			s.ErrorIs(samples.DeleteMessage(ctx, trie.Spam, "cheap pills"), ErrNotFound)

			s.ErrorIs(samples.DeleteMessage(ctx, trie.Spam, "lunch today?"), ErrNotFound, "wrong class")
			s.Require().NoError(samples.DeleteMessage(ctx, trie.Ham, "lunch today?"))
			s.ErrorIs(samples.DeleteMessage(ctx, trie.Ham, "lunch today?"), ErrNotFound)
			s.ErrorIs(samples.DeleteMessage(ctx, trie.Class(3), "x"), trie.ErrInvalidClass)

			st, err := samples.Stats(ctx)
			s.Require().NoError(err)
			s.Equal(SamplesStats{}, *st)
		})
	}
}

func (s *StorageTestSuite) TestSamples_Import() {
	ctx := context.Background()
	preset := []lib.Sample{
		{Text: "win a prize", Class: trie.Spam},
		{Text: "meeting at noon", Class: trie.Ham},
		{Text: "", Class: trie.Ham},
		{Text: "notes attached", Class: trie.Ham},
	}
	for _, db := range s.getTestDB() {
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			samples, err := NewSamples(ctx, db)
			s.Require().NoError(err)
			s.Require().NoError(samples.Add(ctx, trie.Spam, SampleOriginUser, "crypto airdrop"))

			st, err := samples.Import(ctx, SampleOriginPreset, slices.Values(preset), true)
			s.Require().NoError(err)
			s.Equal(SamplesStats{TotalSpam: 2, TotalHam: 2, PresetSpam: 1, PresetHam: 2, UserSpam: 1}, *st)

			s.Run("cleanup replaces presets only", func() {
				st, err := samples.Import(ctx, SampleOriginPreset, slices.Values(preset[:1]), true)
				s.Require().NoError(err)
				s.Equal(SamplesStats{TotalSpam: 2, PresetSpam: 1, UserSpam: 1}, *st)
			})

			s.Run("without cleanup appends", func() {
				st, err := samples.Import(ctx, SampleOriginPreset, slices.Values(preset[1:2]), false)
				s.Require().NoError(err)
				s.Equal(SamplesStats{TotalSpam: 2, TotalHam: 1, PresetSpam: 1, PresetHam: 1, UserSpam: 1}, *st)
			})

			s.Run("invalid class rolls back", func() {
				bad := []lib.Sample{{Text: "new one", Class: trie.Ham}, {Text: "bad", Class: trie.Class(5)}}
				_, err := samples.Import(ctx, SampleOriginPreset, slices.Values(bad), true)
				s.Require().ErrorIs(err, trie.ErrInvalidClass)
				st, err := samples.Stats(ctx)
				s.Require().NoError(err)
				s.Equal(SamplesStats{TotalSpam: 2, TotalHam: 1, PresetSpam: 1, PresetHam: 1, UserSpam: 1}, *st)
			})

			s.Run("stored messages kept", func() {
				s.Require().NoError(samples.Add(ctx, trie.Ham, SampleOriginUser, "win a prize"))
				dups := []lib.Sample{
					{Text: "win a prize", Class: trie.Spam},
					{Text: "repeated", Class: trie.Spam},
					{Text: "repeated", Class: trie.Spam},
				}
				st, err := samples.Import(ctx, SampleOriginPreset, slices.Values(dups), true)
				s.Require().NoError(err)
				s.Equal(SamplesStats{TotalSpam: 2, TotalHam: 1, PresetSpam: 1, UserSpam: 1, UserHam: 1}, *st)

				it, err := samples.Iterator(ctx, trie.Ham, SampleOriginUser)
				s.Require().NoError(err)
				s.Equal([]string{"win a prize"}, slices.Collect(it), "user sample not replaced by preset")
			})

			s.Run("bad arguments", func() {
				_, err := samples.Import(ctx, SampleOriginAny, slices.Values(preset), false)
				s.Error(err)
				_, err = samples.Import(ctx, SampleOrigin("x"), slices.Values(preset), false)
				s.Error(err)
				_, err = samples.Import(ctx, SampleOriginUser, nil, false)
				s.Error(err)
			})
		})
	}
}

func (s *StorageTestSuite) TestSamples_Iterator() {
	ctx := context.Background()
	for _, db := range s.getTestDB() {
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			samples, err := NewSamples(ctx, db)
			s.Require().NoError(err)
			_, err = samples.Import(ctx, SampleOriginPreset, slices.Values([]lib.Sample{
				{Text: "spam one", Class: trie.Spam},
				{Text: "ham one", Class: trie.Ham},
				{Text: "spam two", Class: trie.Spam},
			}), true)
			s.Require().NoError(err)
			s.Require().NoError(samples.Add(ctx, trie.Spam, SampleOriginUser, "spam three"))

			collect := func(class trie.Class, o SampleOrigin) []string {
				it, err := samples.Iterator(ctx, class, o)
				s.Require().NoError(err)
				return slices.Collect(it)
			}
			s.Equal([]string{"spam three", "spam two", "spam one"}, collect(trie.Spam, SampleOriginAny))
			s.Equal([]string{"spam two", "spam one"}, collect(trie.Spam, SampleOriginPreset))
			s.Equal([]string{"spam three"}, collect(trie.Spam, SampleOriginUser))
			s.Equal([]string{"ham one"}, collect(trie.Ham, SampleOriginAny))
			s.Empty(collect(trie.Ham, SampleOriginUser))

			_, err = samples.Iterator(ctx, trie.Class(2), SampleOriginAny)
			s.Error(err)
			_, err = samples.Iterator(ctx, trie.Spam, SampleOrigin("nope"))
			s.Error(err)

			s.Run("cancelled context stops iteration", func() {
				cctx, cancel := context.WithCancel(ctx)
				it, err := samples.Iterator(cctx, trie.Spam, SampleOriginAny)
				s.Require().NoError(err)
				res := []string{}
				for msg := range it {
					res = append(res, msg)
					cancel()
				}
				s.Equal([]string{"spam three"}, res)
			})
		})
	}
}

func (s *StorageTestSuite) TestSamples_GroupIsolation() {
	ctx := context.Background()
	samples, err := NewSamples(ctx, s.dbs["sqlite"])
	s.Require().NoError(err)
	s.Require().NoError(samples.Add(ctx, trie.Ham, SampleOriginUser, "group one message"))

	db2, err := engine.NewSqlite(s.sqliteFile, "gr2") // same file, another group
	s.Require().NoError(err)
	defer db2.Close()
	samples2, err := NewSamples(ctx, db2)
	s.Require().NoError(err)

	it, err := samples2.Iterator(ctx, trie.Ham, SampleOriginAny)
	s.Require().NoError(err)
	s.Empty(slices.Collect(it))
	s.ErrorIs(samples2.DeleteMessage(ctx, trie.Ham, "group one message"), ErrNotFound)

	st, err := samples.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(1, st.UserHam)
}

func (s *StorageTestSuite) TestSamples_Concurrent() {
	ctx := context.Background()
	for _, db := range s.getTestDB() {
		s.Run(fmt.Sprintf("with %s", db.Type()), func() {
			samples, err := NewSamples(ctx, db)
			s.Require().NoError(err)

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					class := trie.Class(i % 2)
					s.NoError(samples.Add(ctx, class, SampleOriginUser, fmt.Sprintf("message %d", i)))
					_, err := samples.Stats(ctx)
					s.NoError(err)
				}(i)
			}
			wg.Wait()

			st, err := samples.Stats(ctx)
			s.Require().NoError(err)
			s.Equal(5, st.UserHam)
			s.Equal(5, st.UserSpam)
		})
	}
}

func (s *StorageTestSuite) TestSampleOrigin_Validate() {
	s.NoError(SampleOriginPreset.Validate())
	s.NoError(SampleOriginUser.Validate())
	s.NoError(SampleOriginAny.Validate())
	s.Error(SampleOrigin("other").Validate())
	s.Equal("user", SampleOriginUser.String())
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoggerInit(t *testing.T) {
	err := Init()
	if err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	if Get() == nil {
		t.Fatal("logger is nil after initialization")
	}
}

func TestLoggerJSON(t *testing.T) {
	Convey("Given a JSON logger writing to a buffer", t, func() {
		var buf bytes.Buffer
		So(Init(WithFormat("json"), WithWriter(&buf)), ShouldBeNil)
		ctx := context.Background()

		Convey("When logging with typed fields", func() {
			Get().Info(ctx, "fit finished",
				String("group", "Brazil"),
				Int("n", 120),
				Float64("estimate", -1.25),
				Bool("ok", true),
				Error(errors.New("boom")),
			)

			Convey("Then a single JSON record carries every field", func() {
				var rec map[string]any
				So(json.Unmarshal(buf.Bytes(), &rec), ShouldBeNil)
				So(rec["msg"], ShouldEqual, "fit finished")
				So(rec["group"], ShouldEqual, "Brazil")
				So(rec["n"], ShouldEqual, 120.0)
				So(rec["ok"], ShouldEqual, true)
				So(rec["error"], ShouldEqual, "boom")
				So(rec["source"], ShouldContainSubstring, "logger_test.go")
			})
		})

		Convey("When the level is raised above info", func() {
			So(SetLevelString("warn"), ShouldBeNil)
			Get().Info(ctx, "suppressed")
			Get().Warn(ctx, "kept")

			Convey("Then only the warning is written", func() {
				So(buf.String(), ShouldNotContainSubstring, "suppressed")
				So(buf.String(), ShouldContainSubstring, "kept")
			})
		})
	})
}

func TestLoggerNamed(t *testing.T) {
	Convey("Given a named logger", t, func() {
		var buf bytes.Buffer
		So(Init(WithWriter(&buf)), ShouldBeNil)

		Named("binning").Info(context.Background(), "binned", Int("bins", 3))

		Convey("Then fields are grouped under the name", func() {
			So(strings.Contains(buf.String(), "binning.bins=3"), ShouldBeTrue)
		})
	})
}

func TestSetLevelString(t *testing.T) {
	Convey("Given level strings", t, func() {
		So(SetLevelString("DEBUG"), ShouldBeNil)
		So(SetLevelString("warning"), ShouldBeNil)
		So(SetLevelString(""), ShouldBeNil)
		So(SetLevelString("verbose"), ShouldNotBeNil)
	})
}

package youtube

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"trackgate/pkg/provider/core"
)

// musicCategoryID YouTube 的 Music 分类
const musicCategoryID = "10"

var durationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseDuration 解析 ISO-8601 时长，如 PT3M42S
func ParseDuration(s string) time.Duration {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0
		}
		d += time.Duration(n) * unit
	}
	return d
}

// splitArtist 从 "Artist - Title" 格式的标题中拆出艺人，失败时使用频道名
func splitArtist(title, channel string) (artist, song string) {
	if parts := strings.SplitN(title, " - ", 2); len(parts) == 2 {
		a, s := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if a != "" && s != "" {
			return a, s
		}
	}
	return cleanChannel(channel), strings.TrimSpace(title)
}

func cleanChannel(channel string) string {
	channel = strings.TrimSpace(channel)
	channel = strings.TrimSuffix(channel, " - Topic")
	if strings.HasSuffix(channel, "VEVO") && len(channel) > len("VEVO") {
		channel = strings.TrimSuffix(channel, "VEVO")
	}
	return strings.TrimSpace(channel)
}

func thumbnail(snippet gjson.Result) string {
	for _, size := range []string{"high", "medium", "default"} {
		if url := snippet.Get("thumbnails." + size + ".url").String(); url != "" {
			return url
		}
	}
	return ""
}

// parseItem 将一个结果项转换为 Track，不符合条件时返回 false。
// search 结果的 id 是对象，videos 结果的 id 是字符串。
func parseItem(item gjson.Result) (core.Track, bool) {
	id := item.Get("id.videoId").String()
	if id == "" && item.Get("id").Type == gjson.String {
		id = item.Get("id").String()
	}
	snippet := item.Get("snippet")
	if id == "" || !snippet.Exists() {
		return core.Track{}, false
	}

	// 直播和预告不是可播放的曲目
	if live := snippet.Get("liveBroadcastContent").String(); live != "" && live != "none" {
		return core.Track{}, false
	}
	if category := snippet.Get("categoryId"); category.Exists() && category.String() != musicCategoryID {
		return core.Track{}, false
	}

	title := html.UnescapeString(snippet.Get("title").String())
	artist, song := splitArtist(title, html.UnescapeString(snippet.Get("channelTitle").String()))

	track := core.Track{
		ID:           id,
		Provider:     providerName,
		Title:        song,
		Artist:       artist,
		ThumbnailURL: thumbnail(snippet),
		URL:          "https://www.youtube.com/watch?v=" + id,
		Duration:     ParseDuration(item.Get("contentDetails.duration").String()),
		Explicit:     item.Get("contentDetails.contentRating.ytRating").String() == "ytAgeRestricted",
	}
	if published, err := time.Parse(time.RFC3339, snippet.Get("publishedAt").String()); err == nil {
		track.PublishedAt = published
	}
	return track, true
}

// parseItems 解析响应中的 items 数组
func parseItems(body []byte) []core.Track {
	items := gjson.GetBytes(body, "items")
	tracks := make([]core.Track, 0, len(items.Array()))
	items.ForEach(func(_, item gjson.Result) bool {
		if track, ok := parseItem(item); ok {
			tracks = append(tracks, track)
		}
		return true
	})
	return tracks
}

package storage

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Temporal values are written as {"marker":"Date","iso":"<RFC3339Nano>"} so
// they survive the trip through JSON as times rather than plain strings.
const (
	markerField = "marker"
	isoField    = "iso"
	dateMarker  = "Date"
)

var (
	timeType            = reflect.TypeOf((*time.Time)(nil)).Elem()
	jsonMarshalerType   = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	jsonUnmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
	textMarshalerType   = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// Serialize encodes v as JSON text, tagging every time.Time it reaches.
// Cyclic graphs and values JSON cannot represent (functions, channels,
// complex numbers) fail with SERIALIZATION_ERROR.
func Serialize(v any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = ""
			err = Fail(CodeSerialization, "", "serialize", "", fmt.Errorf("panic during traversal: %v", r))
		}
	}()

	enc := &encoder{visiting: make(map[visit]struct{})}
	tree, err := enc.encode(reflect.ValueOf(v))
	if err != nil {
		return "", Fail(CodeSerialization, "", "serialize", "", err)
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return "", Fail(CodeSerialization, "", "serialize", "", err)
	}
	return string(b), nil
}

// Unmarshal decodes text produced by Serialize into dst, which must be a
// non-nil pointer. Tagged dates become time.Time, including inside values
// decoded into interface types.
func Unmarshal(data string, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return Fail(CodeDeserialization, "", "deserialize", "", fmt.Errorf("destination must be a non-nil pointer, got %T", dst))
	}

	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return Fail(CodeDeserialization, "", "deserialize", "", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Fail(CodeDeserialization, "", "deserialize", "", errors.New("trailing data after value"))
	}

	if err := assign(rv.Elem(), revive(tree)); err != nil {
		return Fail(CodeDeserialization, "", "deserialize", "", err)
	}
	return nil
}

// Deserialize decodes data into a new T.
func Deserialize[T any](data string) (T, error) {
	var out T
	err := Unmarshal(data, &out)
	return out, err
}

func tagTime(t time.Time) map[string]any {
	return map[string]any{markerField: dateMarker, isoField: t.Format(time.RFC3339Nano)}
}

// --- encoding ---

type visit struct {
	ptr uintptr
	typ reflect.Type
	n   int
}

type encoder struct {
	visiting map[visit]struct{}
}

func (e *encoder) enter(v reflect.Value, n int) (func(), error) {
	key := visit{ptr: v.Pointer(), typ: v.Type(), n: n}
	if _, seen := e.visiting[key]; seen {
		return nil, fmt.Errorf("cycle detected through %s", v.Type())
	}
	e.visiting[key] = struct{}{}
	return func() { delete(e.visiting, key) }, nil
}

func (e *encoder) encode(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	t := v.Type()
	if t == timeType {
		return tagTime(v.Interface().(time.Time)), nil
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		leave, err := e.enter(v, 0)
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.encode(v.Elem())
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return e.encode(v.Elem())
	}

	if m, ok := marshalerOf(v); ok {
		b, err := m.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshaling %s: %w", t, err)
		}
		return json.RawMessage(b), nil
	}
	if t.Implements(textMarshalerType) {
		b, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return nil, fmt.Errorf("marshaling %s: %w", t, err)
		}
		return string(b), nil
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), v.Bytes()...), nil
		}
		leave, err := e.enter(v, v.Len())
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.encodeList(v)
	case reflect.Array:
		return e.encodeList(v)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		leave, err := e.enter(v, 0)
		if err != nil {
			return nil, err
		}
		defer leave()
		return e.encodeMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	default:
		return nil, fmt.Errorf("unsupported type %s", t)
	}
}

func marshalerOf(v reflect.Value) (json.Marshaler, bool) {
	if v.Type().Implements(jsonMarshalerType) {
		return v.Interface().(json.Marshaler), true
	}
	if v.CanAddr() && reflect.PointerTo(v.Type()).Implements(jsonMarshalerType) {
		return v.Addr().Interface().(json.Marshaler), true
	}
	return nil, false
}

func (e *encoder) encodeList(v reflect.Value) (any, error) {
	out := make([]any, v.Len())
	for i := range out {
		item, err := e.encode(v.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

func (e *encoder) encodeMap(v reflect.Value) (any, error) {
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		name, err := mapKeyString(iter.Key())
		if err != nil {
			return nil, err
		}
		item, err := e.encode(iter.Value())
		if err != nil {
			return nil, err
		}
		out[name] = item
	}
	return out, nil
}

func mapKeyString(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		b, err := tm.MarshalText()
		return string(b), err
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", fmt.Errorf("unsupported map key type %s", k.Type())
}

func (e *encoder) encodeStruct(v reflect.Value) (any, error) {
	fields := cachedFields(v.Type())
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		fv, err := v.FieldByIndexErr(f.index)
		if err != nil {
			// nil embedded pointer
			continue
		}
		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}
		item, err := e.encode(fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.name, err)
		}
		out[f.name] = item
	}
	return out, nil
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}

// --- struct field metadata ---

type field struct {
	name      string
	index     []int
	omitEmpty bool
}

var fieldCache sync.Map // reflect.Type -> []field

func cachedFields(t reflect.Type) []field {
	if f, ok := fieldCache.Load(t); ok {
		return f.([]field)
	}
	f, _ := fieldCache.LoadOrStore(t, typeFields(t, nil, map[reflect.Type]bool{}))
	return f.([]field)
}

// typeFields follows encoding/json naming: json tags, "-" to skip, omitempty,
// and promotion of untagged embedded structs where shallower names win.
func typeFields(t reflect.Type, prefix []int, seen map[reflect.Type]bool) []field {
	if seen[t] {
		return nil
	}
	seen[t] = true

	var direct []field
	var embedded [][]field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		index := append(append([]int(nil), prefix...), i)

		if sf.Anonymous && name == "" {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && ft != timeType {
				embedded = append(embedded, typeFields(ft, index, seen))
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		direct = append(direct, field{
			name:      name,
			index:     index,
			omitEmpty: strings.Contains(","+opts+",", ",omitempty,"),
		})
	}

	taken := make(map[string]bool, len(direct))
	for _, f := range direct {
		taken[f.name] = true
	}
	for _, group := range embedded {
		for _, f := range group {
			if !taken[f.name] {
				taken[f.name] = true
				direct = append(direct, f)
			}
		}
	}
	return direct
}

// --- decoding ---

// revive replaces tagged date objects with time.Time throughout a decoded tree.
func revive(node any) any {
	switch n := node.(type) {
	case map[string]any:
		if t, ok := taggedTime(n); ok {
			return t
		}
		for k, v := range n {
			n[k] = revive(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = revive(v)
		}
		return n
	default:
		return node
	}
}

func taggedTime(m map[string]any) (time.Time, bool) {
	if len(m) != 2 || m[markerField] != dateMarker {
		return time.Time{}, false
	}
	iso, ok := m[isoField].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// plain converts json.Number leaves to float64, matching what encoding/json
// stores in interface values.
func plain(node any) any {
	switch n := node.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return n.String()
		}
		return f
	case map[string]any:
		for k, v := range n {
			n[k] = plain(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = plain(v)
		}
		return n
	default:
		return node
	}
}

func assign(dst reflect.Value, src any) error {
	t := dst.Type()

	if src == nil {
		switch dst.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
			dst.SetZero()
		}
		return nil
	}

	if t == timeType {
		return assignTime(dst, src)
	}

	switch dst.Kind() {
	case reflect.Interface:
		if t.NumMethod() != 0 {
			return fmt.Errorf("cannot decode into non-empty interface %s", t)
		}
		dst.Set(reflect.ValueOf(plain(src)))
		return nil
	case reflect.Pointer:
		if dst.IsNil() {
			dst.Set(reflect.New(t.Elem()))
		}
		return assign(dst.Elem(), src)
	}

	if reflect.PointerTo(t).Implements(jsonUnmarshalerType) && dst.CanAddr() {
		b, err := json.Marshal(src)
		if err != nil {
			return err
		}
		return dst.Addr().Interface().(json.Unmarshaler).UnmarshalJSON(b)
	}
	if s, ok := src.(string); ok && reflect.PointerTo(t).Implements(textUnmarshalerType) && dst.CanAddr() {
		return dst.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s))
	}

	switch dst.Kind() {
	case reflect.Bool:
		b, ok := src.(bool)
		if !ok {
			return typeMismatch(src, t)
		}
		dst.SetBool(b)
	case reflect.String:
		switch s := src.(type) {
		case string:
			dst.SetString(s)
		case time.Time:
			dst.SetString(s.Format(time.RFC3339Nano))
		default:
			return typeMismatch(src, t)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		num, ok := src.(json.Number)
		if !ok {
			return typeMismatch(src, t)
		}
		i, err := strconv.ParseInt(num.String(), 10, t.Bits())
		if err != nil {
			return fmt.Errorf("decoding %s into %s: %w", num, t, err)
		}
		dst.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		num, ok := src.(json.Number)
		if !ok {
			return typeMismatch(src, t)
		}
		u, err := strconv.ParseUint(num.String(), 10, t.Bits())
		if err != nil {
			return fmt.Errorf("decoding %s into %s: %w", num, t, err)
		}
		dst.SetUint(u)
	case reflect.Float32, reflect.Float64:
		num, ok := src.(json.Number)
		if !ok {
			return typeMismatch(src, t)
		}
		f, err := strconv.ParseFloat(num.String(), t.Bits())
		if err != nil {
			return fmt.Errorf("decoding %s into %s: %w", num, t, err)
		}
		dst.SetFloat(f)
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return assignBytes(dst, src)
		}
		list, ok := src.([]any)
		if !ok {
			return typeMismatch(src, t)
		}
		out := reflect.MakeSlice(t, len(list), len(list))
		for i, item := range list {
			if err := assign(out.Index(i), item); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		dst.Set(out)
	case reflect.Array:
		list, ok := src.([]any)
		if !ok {
			return typeMismatch(src, t)
		}
		for i := 0; i < dst.Len() && i < len(list); i++ {
			if err := assign(dst.Index(i), list[i]); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case reflect.Map:
		obj, ok := src.(map[string]any)
		if !ok {
			return typeMismatch(src, t)
		}
		out := reflect.MakeMapWithSize(t, len(obj))
		for k, item := range obj {
			key, err := mapKeyValue(t.Key(), k)
			if err != nil {
				return err
			}
			elem := reflect.New(t.Elem()).Elem()
			if err := assign(elem, item); err != nil {
				return fmt.Errorf("%q: %w", k, err)
			}
			out.SetMapIndex(key, elem)
		}
		dst.Set(out)
	case reflect.Struct:
		obj, ok := src.(map[string]any)
		if !ok {
			return typeMismatch(src, t)
		}
		return assignStruct(dst, obj)
	default:
		return fmt.Errorf("cannot decode into %s", t)
	}
	return nil
}

func assignTime(dst reflect.Value, src any) error {
	switch s := src.(type) {
	case time.Time:
		dst.Set(reflect.ValueOf(s))
		return nil
	case string:
		// untagged timestamps written by other producers
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("decoding time: %w", err)
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}
	return typeMismatch(src, timeType)
}

func assignBytes(dst reflect.Value, src any) error {
	s, ok := src.(string)
	if !ok {
		return typeMismatch(src, dst.Type())
	}
	var b []byte
	if err := json.Unmarshal([]byte(strconv.Quote(s)), &b); err != nil {
		return err
	}
	dst.SetBytes(b)
	return nil
}

func mapKeyValue(kt reflect.Type, k string) (reflect.Value, error) {
	if kt.Kind() == reflect.String {
		return reflect.ValueOf(k).Convert(kt), nil
	}
	if reflect.PointerTo(kt).Implements(textUnmarshalerType) {
		kv := reflect.New(kt)
		if err := kv.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(k)); err != nil {
			return reflect.Value{}, err
		}
		return kv.Elem(), nil
	}
	switch kt.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(k, 10, kt.Bits())
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(i).Convert(kt), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u, err := strconv.ParseUint(k, 10, kt.Bits())
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(u).Convert(kt), nil
	}
	return reflect.Value{}, fmt.Errorf("unsupported map key type %s", kt)
}

func assignStruct(dst reflect.Value, obj map[string]any) error {
	fields := cachedFields(dst.Type())
	for name, item := range obj {
		f, ok := lookupField(fields, name)
		if !ok {
			continue
		}
		fv, err := fieldForWrite(dst, f.index)
		if err != nil {
			return err
		}
		if err := assign(fv, item); err != nil {
			return fmt.Errorf("field %s: %w", f.name, err)
		}
	}
	return nil
}

func lookupField(fields []field, name string) (field, bool) {
	for _, f := range fields {
		if f.name == name {
			return f, true
		}
	}
	for _, f := range fields {
		if strings.EqualFold(f.name, name) {
			return f, true
		}
	}
	return field{}, false
}

// fieldForWrite walks index, allocating nil embedded pointers on the way.
func fieldForWrite(v reflect.Value, index []int) (reflect.Value, error) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				if !v.CanSet() {
					return reflect.Value{}, fmt.Errorf("cannot set embedded pointer to unexported struct %s", v.Type().Elem())
				}
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v, nil
}

func typeMismatch(src any, t reflect.Type) error {
	return fmt.Errorf("cannot decode %s into %s", describe(src), t)
}

func describe(src any) string {
	switch src.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case json.Number:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	case time.Time:
		return "date"
	}
	return fmt.Sprintf("%T", src)
}
